package taskqueue

import (
	"encoding/binary"
	"math"
)

// encoder appends big-endian fields.
type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *encoder) bool(v bool) {
	if v {
		e.byte(1)
		return
	}
	e.byte(0)
}

func (e *encoder) int32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) int64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// bytes writes a length-prefixed byte string.
func (e *encoder) bytes(b []byte) {
	e.int32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) {
	e.int32(int32(len(s)))
	e.buf = append(e.buf, s...)
}

// decoder reads big-endian fields and latches the first error.
type decoder struct {
	buf []byte
	bad bool
}

func (d *decoder) need(n int) bool {
	if d.bad || n < 0 || len(d.buf) < n {
		d.bad = true
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) bool() bool {
	switch d.byte() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.bad = true
		return false
	}
}

func (d *decoder) int32() int32 {
	if !d.need(4) {
		return 0
	}
	v := int32(binary.BigEndian.Uint32(d.buf))
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) int64() int64 {
	if !d.need(8) {
		return 0
	}
	v := int64(binary.BigEndian.Uint64(d.buf))
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.int32()
	if !d.need(int(n)) {
		return nil
	}
	b := append([]byte(nil), d.buf[:n]...)
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) string() string {
	n := d.int32()
	if !d.need(int(n)) {
		return ""
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s
}

// count reads a non-negative element count.
func (d *decoder) count() int {
	n := d.int32()
	if n < 0 {
		d.bad = true
		return 0
	}
	return int(n)
}

// done reports whether everything decoded and nothing is left over.
func (d *decoder) done() bool {
	return !d.bad && len(d.buf) == 0
}

func (e *encoder) options(o QueueOptions) {
	e.int32(clampInt32(o.MaxSize))
	e.int32(clampInt32(o.MaxPayloadSize))
	e.bool(o.PriorityRange != nil)
	if o.PriorityRange != nil {
		e.int64(o.PriorityRange.Min)
		e.int64(o.PriorityRange.Max)
	}
}

func (d *decoder) options() QueueOptions {
	o := QueueOptions{
		MaxSize:        int(d.int32()),
		MaxPayloadSize: int(d.int32()),
	}
	if d.bool() {
		o.PriorityRange = &PriorityRange{Min: d.int64(), Max: d.int64()}
	}
	return o
}

func clampInt32(v int) int32 {
	return int32(min(max(v, math.MinInt32), math.MaxInt32))
}
