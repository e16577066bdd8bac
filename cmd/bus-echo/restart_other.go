//go:build !unix

package main

import "errors"

var execFn = func(argv0 string, argv []string, envv []string) error {
	return errors.New("exec restart not supported on this platform")
}
