package serial

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-bus-echo/internal/bus"
	"github.com/kstaniek/go-bus-echo/internal/metrics"
)

// Kind identifies a link frame.
type Kind byte

const (
	KindWrite Kind = 0x01 // controller to target payload
	KindAck   Kind = 0x02 // target acknowledges its address
	KindRead  Kind = 0x03 // controller requests data; Data[0] is the max length
	KindData  Kind = 0x04 // target to controller payload
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindAck:
		return "ack"
	case KindRead:
		return "read"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(0x%02X)", byte(k))
	}
}

func (k Kind) valid() bool { return k >= KindWrite && k <= KindData }

// MaxData is the largest payload a single frame carries.
const MaxData = 250

const (
	pre0 = 0x2D
	pre1 = 0xD4

	headerLen = 3 // KIND(1) + ADDR(2)
	// ln = body + 1(checksum)
	minLn = headerLen + 1
	maxLn = headerLen + MaxData + 1
)

// Frame is one decoded link frame.
type Frame struct {
	Kind Kind
	Addr bus.Address
	Data []byte
}

type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps body as [0x2D, 0xD4, len+1, body..., checksum] where
// checksum = (len+1) + 0x2D + sum(body) (mod 256).
func envelope(body []byte) []byte {
	n := len(body)
	frame := make([]byte, n+4)
	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(n + 1)
	sum := frame[2] + pre0
	for i, b := range body {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// Encode serializes f. Data beyond MaxData is truncated.
func (Codec) Encode(f Frame) []byte {
	data := f.Data
	if len(data) > MaxData {
		data = data[:MaxData]
	}
	body := make([]byte, headerLen+len(data))
	body[0] = byte(f.Kind)
	binary.BigEndian.PutUint16(body[1:3], uint16(f.Addr)&bus.MaxAddress)
	copy(body[headerLen:], data)
	return envelope(body)
}

// DecodeStream consumes complete frames from in and emits them via out.
// Incomplete trailing bytes stay buffered. Frames with a bad length,
// checksum, kind or address are counted and skipped one byte at a time
// until the next preamble.
//
// Example (WRITE "PI" to 0x041):
// 2D D4 06 01 00 41 50 49 0E
func (Codec) DecodeStream(in *bytes.Buffer, out func(Frame)) error {
	header := []byte{pre0, pre1}
	for {
		data := in.Bytes()
		_ = CompactBuffer(in)
		if len(data) < 3 {
			return nil
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case the next read starts with the second preamble byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return nil
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln
		if len(data) < req {
			return nil
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		kind := Kind(data[3])
		addr := binary.BigEndian.Uint16(data[4:6])
		if !kind.valid() || addr > bus.MaxAddress {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		payload := data[3+headerLen : req-1]
		f := Frame{Kind: kind, Addr: bus.Address(addr), Data: make([]byte, len(payload))}
		copy(f.Data, payload)
		in.Next(req)
		out(f)
	}
}
