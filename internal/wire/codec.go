package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/ravengrove/partymesh/internal/core/domain"
)

// writer builds a binary-packed payload. All integers are big-endian;
// fixed-width strings are zero-padded and truncated to width-1 bytes so a
// terminating zero always survives.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// fixed writes s into a width-byte zero-padded field.
func (w *writer) fixed(s string, width int) {
	field := make([]byte, width)
	copy(field[:width-1], s)
	w.buf = append(w.buf, field...)
}

// str writes a length-prefixed (uint8) string for short variable fields.
func (w *writer) str(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

// reader consumes a binary-packed payload with a sticky error: after the
// first short read every accessor returns zero values and Err() reports
// ErrShortPayload.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = ErrShortPayload
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) boolean() bool {
	return r.u8() != 0
}

func (r *reader) fixed(width int) string {
	b := r.take(width)
	if b == nil {
		return ""
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func (r *reader) str() string {
	n := int(r.u8())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) Err() error {
	return r.err
}

// Member field layout shared by joins, snapshots and position frames.

const (
	memberFlagOnline = 1 << 0
	memberFlagLeader = 1 << 1
)

func (w *writer) member(m *domain.MemberRef) {
	w.u32(uint32(m.AccountID))
	w.u32(uint32(m.CharID))
	w.fixed(m.Name, domain.NameLength)
	w.u16(m.Level)
	w.u16(m.Job)
	w.u16(m.MapID)
	w.u16(m.X)
	w.u16(m.Y)
	w.u8(m.HPRatio)
	var flags uint8
	if m.Online {
		flags |= memberFlagOnline
	}
	if m.Leader {
		flags |= memberFlagLeader
	}
	w.u8(flags)
	w.str(m.WorldID)
}

func (r *reader) member() domain.MemberRef {
	m := domain.MemberRef{
		AccountID: domain.AccountID(r.u32()),
		CharID:    domain.CharID(r.u32()),
		Name:      r.fixed(domain.NameLength),
		Level:     r.u16(),
		Job:       r.u16(),
		MapID:     r.u16(),
		X:         r.u16(),
		Y:         r.u16(),
		HPRatio:   r.u8(),
	}
	flags := r.u8()
	m.Online = flags&memberFlagOnline != 0
	m.Leader = flags&memberFlagLeader != 0
	m.WorldID = r.str()
	return m
}

// Criteria field layout: mapID, job slots (count + fixed table), notice.
// Both variant fields travel so the frame shape is mode-independent.

func (w *writer) criteria(c domain.BookingCriteria) {
	w.u16(c.MapID)
	w.u8(uint8(len(c.Jobs)))
	for i := 0; i < domain.MaxBookingJobs; i++ {
		if i < len(c.Jobs) {
			w.u16(c.Jobs[i])
		} else {
			w.u16(0)
		}
	}
	w.fixed(c.Notice, domain.NoticeLength)
}

func (r *reader) criteria() domain.BookingCriteria {
	c := domain.BookingCriteria{MapID: r.u16()}
	n := int(r.u8())
	if n > domain.MaxBookingJobs {
		n = domain.MaxBookingJobs
	}
	jobs := make([]uint16, domain.MaxBookingJobs)
	for i := range jobs {
		jobs[i] = r.u16()
	}
	if n > 0 {
		c.Jobs = jobs[:n]
	}
	c.Notice = r.fixed(domain.NoticeLength)
	return c
}
