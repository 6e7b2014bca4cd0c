package nbd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// do wraps r and w for easy en-/decoding of binary data. It creates an
// *encoder and calls f with that. The process uses panic/recover for error
// handling, so e should never be passed to a different goroutine.
func do(r io.Reader, w io.Writer, f func(e *encoder)) (err error) {
	sentinel := new(uint8)
	defer func() {
		if v := recover(); v != nil && v != sentinel {
			panic(v)
		}
	}()
	check := func(e error) {
		if e != nil {
			err = e
			panic(sentinel)
		}
	}
	f(&encoder{r, w, nil, check})
	return err
}

// encoder provides helper methods for easy de-/encoding of binary data in
// network byte order. If an error occurs, it calls check, which is expected
// to panic if its non-nil. Transport errors are tagged with the Code passed
// to the respective method, identifying the field that failed.
//
// If buf is non-nil, the encoder won't write to w directly, but append to
// buf. That way, option payloads can be assembled before their length is
// known.
type encoder struct {
	r     io.Reader
	w     io.Writer
	buf   []byte
	check func(error)
}

func (e *encoder) fail(c Code, err error) {
	e.check(&OpError{Code: c, Err: err})
}

func (e *encoder) write(b []byte, c Code) {
	if e.buf != nil {
		e.buf = append(e.buf, b...)
		return
	}
	if err := writeFull(e.w, b); err != nil {
		e.fail(c, err)
	}
}

func (e *encoder) writeString(s string, c Code) {
	if e.buf != nil {
		e.buf = append(e.buf, s...)
		return
	}
	e.write([]byte(s), c)
}

// read fills b. If the stream ends before the first byte, the cause is
// io.EOF, if it ends later, it is io.ErrUnexpectedEOF.
func (e *encoder) read(b []byte, c Code) {
	if _, err := io.ReadFull(e.r, b); err != nil {
		e.fail(c, err)
	}
}

func (e *encoder) discard(n uint32, c Code) {
	if _, err := io.CopyN(io.Discard, e.r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		e.fail(c, err)
	}
}

func (e *encoder) uint16(c Code) uint16 {
	var b [2]byte
	e.read(b[:], c)
	return binary.BigEndian.Uint16(b[:])
}

func (e *encoder) uint32(c Code) uint32 {
	var b [4]byte
	e.read(b[:], c)
	return Ntohl(binary.NativeEndian.Uint32(b[:]))
}

func (e *encoder) uint64(c Code) uint64 {
	var b [8]byte
	e.read(b[:], c)
	return Ntohll(binary.NativeEndian.Uint64(b[:]))
}

func (e *encoder) writeUint16(v uint16, c Code) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.write(b[:], c)
}

func (e *encoder) writeUint32(v uint32, c Code) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], Htonl(v))
	e.write(b[:], c)
}

func (e *encoder) writeUint64(v uint64, c Code) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], Htonll(v))
	e.write(b[:], c)
}

// writeFull writes all of b to w. Unlike a single call to w.Write, it keeps
// going after a short write that did not report an error. If the field was
// partially written when w failed or stopped making progress, the returned
// error matches io.ErrShortWrite.
func writeFull(w io.Writer, b []byte) error {
	var written int
	for len(b) > 0 {
		n, err := w.Write(b)
		if n > len(b) {
			n = len(b)
		}
		written += n
		b = b[n:]
		switch {
		case err != nil && written > 0 && len(b) > 0:
			return fmt.Errorf("%w: %w", io.ErrShortWrite, err)
		case err != nil:
			return err
		case n == 0:
			return io.ErrShortWrite
		}
	}
	return nil
}
