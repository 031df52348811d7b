package wireplugproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize is the hard limit on a single framed TCP message per §4.A.
const MaxMessageSize = 4096

// errShort is returned when a decode runs out of bytes mid-field.
var errShort = fmt.Errorf("wireplugproto: short buffer")

// Encoder serializes protocol values using little-endian, fixed-width
// integers and length-prefixed strings/sequences/maps, matching the
// bincode-compatible wire shape described in §4.A and §6.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a small preallocated backing array.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte { return e.buf }

// PutUint16 appends a little-endian u16.
func (e *Encoder) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutUint32 appends a little-endian u32.
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutBool appends a one-byte discriminant (0 or 1).
func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// PutRawBytes appends len(p) raw bytes with no length prefix of its own.
func (e *Encoder) PutRawBytes(p []byte) {
	e.buf = append(e.buf, p...)
}

// PutString appends a u32 length prefix followed by the UTF-8 bytes.
func (e *Encoder) PutString(s string) {
	e.PutUint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutStringSlice appends a u32 element count followed by each string,
// each itself length-prefixed (the Vec<String> encoding of §4.A).
func (e *Encoder) PutStringSlice(ss []string) {
	e.PutUint32(uint32(len(ss)))
	for _, s := range ss {
		e.PutString(s)
	}
}

// PutOptionStringSlice encodes Option<Vec<String>>: one discriminant
// byte, then the payload iff present.
func (e *Encoder) PutOptionStringSlice(ss []string, present bool) {
	e.PutBool(present)
	if present {
		e.PutStringSlice(ss)
	}
}

// Decoder reads protocol values out of a fixed byte slice, enforcing
// bounds on every field so a short or malicious message fails decode
// rather than panicking.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder wraps buf for sequential decoding.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining reports how many bytes are left to read.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, errShort
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Uint16 decodes a little-endian u16.
func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 decodes a little-endian u32.
func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Bool decodes a one-byte discriminant.
func (d *Decoder) Bool() (bool, error) {
	b, err := d.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// String decodes a u32-length-prefixed UTF-8 string.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StringSlice decodes a Vec<String>.
func (d *Decoder) StringSlice() ([]string, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	// Every element carries at least its 4-byte length prefix, so a count
	// the remaining bytes cannot hold is rejected before allocating.
	if uint64(n)*4 > uint64(d.Remaining()) {
		return nil, errShort
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.String()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// OptionStringSlice decodes Option<Vec<String>>.
func (d *Decoder) OptionStringSlice() ([]string, bool, error) {
	present, err := d.Bool()
	if err != nil {
		return nil, false, err
	}
	if !present {
		return nil, false, nil
	}
	ss, err := d.StringSlice()
	if err != nil {
		return nil, false, err
	}
	return ss, true, nil
}

// WriteFrame writes a u32-LE length prefix followed by payload to w, per
// §4.A. It is the caller's responsibility to ensure len(payload) fits
// MaxMessageSize; WriteFrame itself does not enforce the limit, and a
// receiver's ReadFrame rejects any frame over it.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a u32-LE length prefix from r and then exactly that
// many bytes, rejecting any declared length over MaxMessageSize before
// reading the body (§4.A, §8 property 3).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("wireplugproto: frame length %d exceeds MaxMessageSize", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
