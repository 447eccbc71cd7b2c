// Package codec encodes domain records in protobuf wire format without
// generated messages. Field numbers are part of the on-disk format and
// must never be reused.
package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("codec: malformed record")

// ---- encoding ----

func AppendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendInt writes v zigzag encoded (sint64).
func AppendInt(b []byte, num protowire.Number, v int64) []byte {
	return AppendUint(b, num, protowire.EncodeZigZag(v))
}

func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendMessage writes a length-delimited sub-record produced by fn.
// The sub-record is built in place after a reserved length prefix.
func AppendMessage(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	start := len(b)
	b = fn(b)
	body := append([]byte(nil), b[start:]...)
	b = protowire.AppendBytes(b[:start], body)
	return b
}

// ---- decoding ----

// Reader walks the fields of one record. Errors are sticky: once a read
// fails every following call is a no-op and Err reports the cause.
type Reader struct {
	b   []byte
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Next advances to the next field. It returns false at the end of the
// record or on error.
func (r *Reader) Next() (protowire.Number, protowire.Type, bool) {
	if r.err != nil || len(r.b) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.fail(n)
		return 0, 0, false
	}
	r.b = r.b[n:]
	return num, typ, true
}

func (r *Reader) Uint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	if n < 0 {
		r.fail(n)
		return 0
	}
	r.b = r.b[n:]
	return v
}

func (r *Reader) Int() int64 {
	return protowire.DecodeZigZag(r.Uint())
}

// Bytes returns a slice aliasing the input buffer.
func (r *Reader) Bytes() []byte {
	if r.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	if n < 0 {
		r.fail(n)
		return nil
	}
	r.b = r.b[n:]
	return v
}

func (r *Reader) String() string {
	return string(r.Bytes())
}

// Skip discards a field this version does not know.
func (r *Reader) Skip(num protowire.Number, typ protowire.Type) {
	if r.err != nil {
		return
	}
	n := protowire.ConsumeFieldValue(num, typ, r.b)
	if n < 0 {
		r.fail(n)
		return
	}
	r.b = r.b[n:]
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) fail(n int) {
	r.err = fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}
