package simbus

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-bus-echo/internal/bus"
)

func TestSendWithoutTargetIsNack(t *testing.T) {
	b := New()
	c := b.Controller()
	err := c.Send(0x41, []byte("PING"), time.Second)
	if !errors.Is(err, bus.ErrNack) {
		t.Fatalf("expected nack, got %v", err)
	}
	if c.LastError() != bus.AddressNotAcknowledged {
		t.Fatalf("expected address_nack, got %v", c.LastError())
	}
}

func TestSendToIdleTargetIsNack(t *testing.T) {
	b := New()
	b.AckWindow = 5 * time.Millisecond
	if _, err := b.Target(0x41); err != nil {
		t.Fatal(err)
	}
	c := b.Controller()
	start := time.Now()
	err := c.Send(0x41, []byte("PING"), time.Second)
	if bus.Code(err) != bus.AddressNotAcknowledged {
		t.Fatalf("expected nack from idle target, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("nack should come after the ack window, not the call timeout")
	}
}

func TestWriteThenReadBack(t *testing.T) {
	b := New()
	tgt, err := b.Target(0x41)
	if err != nil {
		t.Fatal(err)
	}
	c := b.Controller()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := tgt.ReceiveAny(buf, time.Second)
		if err != nil {
			got <- nil
			return
		}
		got <- append([]byte(nil), buf[:n]...)
		_ = tgt.Send(0, buf[:n], time.Second)
	}()

	var sendErr error
	for i := 0; i < 50; i++ { // target may not be armed yet
		if sendErr = c.Send(0x41, []byte("PING"), time.Second); sendErr == nil {
			break
		}
	}
	if sendErr != nil {
		t.Fatalf("send: %v", sendErr)
	}
	if rx := <-got; string(rx) != "PING" {
		t.Fatalf("target received %q", rx)
	}
	buf := make([]byte, 4)
	var n int
	var rerr error
	for i := 0; i < 50; i++ {
		if n, rerr = c.ReceiveFrom(0x41, buf, time.Second); rerr == nil {
			break
		}
	}
	if rerr != nil {
		t.Fatalf("receive: %v", rerr)
	}
	if string(buf[:n]) != "PING" {
		t.Fatalf("read back %q", buf[:n])
	}
	if c.LastError() != bus.None {
		t.Fatalf("expected none after success, got %v", c.LastError())
	}
}

func TestListenTimeout(t *testing.T) {
	b := New()
	tgt, _ := b.Target(0x10)
	_, err := tgt.ReceiveAny(make([]byte, 4), 10*time.Millisecond)
	if !errors.Is(err, bus.ErrTimeout) || tgt.LastError() != bus.Timeout {
		t.Fatalf("expected timeout, got %v (%v)", err, tgt.LastError())
	}
	if err := tgt.Send(0, []byte{1}, 10*time.Millisecond); bus.Code(err) != bus.Timeout {
		t.Fatalf("expected transmit timeout, got %v", err)
	}
}

func TestTargetTruncatesToCapacity(t *testing.T) {
	b := New()
	tgt, _ := b.Target(0x10)
	c := b.Controller()
	done := make(chan int, 1)
	go func() {
		n, _ := tgt.ReceiveAny(make([]byte, 3), time.Second)
		done <- n
	}()
	for i := 0; i < 50; i++ {
		if c.Send(0x10, []byte("ABCDEF"), time.Second) == nil {
			break
		}
	}
	if n := <-done; n != 3 {
		t.Fatalf("expected 3 bytes, got %d", n)
	}
}

func TestRoleMisuseUnsupported(t *testing.T) {
	b := New()
	tgt, _ := b.Target(0x10)
	if _, err := tgt.ReceiveFrom(0x11, make([]byte, 1), time.Millisecond); !errors.Is(err, bus.ErrUnsupported) {
		t.Fatalf("target ReceiveFrom: expected unsupported, got %v", err)
	}
	if _, err := b.Controller().ReceiveAny(make([]byte, 1), time.Millisecond); !errors.Is(err, bus.ErrUnsupported) {
		t.Fatalf("controller ReceiveAny: expected unsupported, got %v", err)
	}
}

func TestAttachDetach(t *testing.T) {
	b := New()
	e1, err := b.Target(0x20)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Target(0x20); !errors.Is(err, ErrAddressInUse) {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
	if _, err := b.Target(0x400); err == nil {
		t.Fatalf("expected range error")
	}
	if _, err := b.Target(0x10); err != nil {
		t.Fatal(err)
	}
	if got := b.Snapshot(); len(got) != 2 || got[0] != 0x10 || got[1] != 0x20 {
		t.Fatalf("unexpected snapshot %v", got)
	}
	done := make(chan error, 1)
	go func() {
		_, err := e1.ReceiveAny(make([]byte, 1), 5*time.Second)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	b.Detach(e1)
	b.Detach(e1)
	select {
	case err := <-done:
		if bus.Code(err) != bus.BusError {
			t.Fatalf("expected bus error on detach, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("detach did not unblock listener")
	}
	if b.Count() != 1 {
		t.Fatalf("expected 1 target, got %d", b.Count())
	}
}
