//go:build unix

package main

import "golang.org/x/sys/unix"

var execFn = unix.Exec
