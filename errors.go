package nbd

import (
	"errors"
	"fmt"
	"io"
)

// Code classifies the result of an option codec call. Every Code but Success
// implements error, so a Code can be used as a target for errors.Is.
type Code uint32

// Codes returned by the option codec. The Read and Write codes name the field
// that could not be transferred: all fields before it made it over the
// stream, the field itself and everything after did not (or only partially).
const (
	Success       Code = iota
	MagicMismatch      // magic did not match
	ReplyTooLarge      // data larger than buffer
	ReadMagic
	ReadCommand
	ReadLength
	ReadData
	ReadResult
	WriteMagic
	WriteCommand
	WriteLength
	WriteData
	WriteResult
)

const unknownError = "unknown error"

var codeStr = [...]string{
	Success:       "success",
	MagicMismatch: "magic did not match",
	ReplyTooLarge: "data larger than buffer",
	ReadMagic:     "could not read magic",
	ReadCommand:   "could not read option command",
	ReadLength:    "could not read length",
	ReadData:      "could not read data",
	ReadResult:    "could not read option result",
	WriteMagic:    "could not write magic",
	WriteCommand:  "could not write option command",
	WriteLength:   "could not write length",
	WriteData:     "could not write data",
	WriteResult:   "could not write option result",
}

// Strerror returns a description of c. Codes out of range are described as
// "unknown error".
func Strerror(c Code) string {
	if int(c) < len(codeStr) {
		return codeStr[c]
	}
	return unknownError
}

func (c Code) Error() string {
	return Strerror(c)
}

func (c Code) String() string {
	return Strerror(c)
}

// OpError is returned by the option codec. Err is the underlying transport
// error, if any.
type OpError struct {
	Code Code
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return "nbd: " + e.Code.Error()
	}
	return fmt.Sprintf("nbd: %v: %v", e.Code, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, code) true for an OpError carrying code.
func (e *OpError) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

// CodeOf returns the Code carried by err. It returns Success for a nil error
// and false if err did not originate in the option codec.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return Success, true
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code, true
	}
	var c Code
	if errors.As(err, &c) {
		return c, true
	}
	return 0, false
}

// IsShort reports whether err was caused by a field that was only partially
// transferred before the stream ended.
func IsShort(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrShortWrite)
}

// ReplyError is an error reply sent by the server in response to an option.
type ReplyError struct {
	Option  OptCommand
	Type    ReplyType
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: server replied %v", e.Option, e.Type)
	}
	return fmt.Sprintf("%v: server replied %v: %s", e.Option, e.Type, e.Message)
}
