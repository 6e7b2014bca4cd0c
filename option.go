package nbd

import (
	"errors"
	"io"
)

// OptionRequest is a single option sent by the client during negotiation.
//
// Data is borrowed from the caller and must stay valid until
// WriteOptionRequest returns. It is never retained.
type OptionRequest struct {
	Magic   uint64
	Command OptCommand
	Length  uint32
	Data    []byte
}

// NewOptionRequest returns a request for cmd carrying data.
func NewOptionRequest(cmd OptCommand, data []byte) *OptionRequest {
	return &OptionRequest{
		Magic:   OptionMagic,
		Command: cmd,
		Length:  uint32(len(data)),
		Data:    data,
	}
}

// NewExportNameRequest returns a request selecting the export called name.
func NewExportNameRequest(name string) *OptionRequest {
	return NewOptionRequest(OptExportName, []byte(name))
}

// NewAbortRequest returns a request aborting negotiation.
func NewAbortRequest() *OptionRequest {
	return NewOptionRequest(OptAbort, nil)
}

// NewListRequest returns a request listing the exports of the server.
func NewListRequest() *OptionRequest {
	return NewOptionRequest(OptList, nil)
}

// NewInfoRequest returns an NBD_OPT_INFO request for the export called name,
// asking for the information types in reqs.
func NewInfoRequest(name string, reqs ...uint16) *OptionRequest {
	return NewOptionRequest(OptInfo, encodeInfoRequest(name, reqs))
}

// NewGoRequest is like NewInfoRequest, but also ends negotiation if the server
// accepts the export.
func NewGoRequest(name string, reqs ...uint16) *OptionRequest {
	return NewOptionRequest(OptGo, encodeInfoRequest(name, reqs))
}

func encodeInfoRequest(name string, reqs []uint16) []byte {
	var buf []byte
	do(nil, nil, func(e *encoder) {
		e.buf = []byte{}
		e.writeUint32(uint32(len(name)), WriteData)
		e.writeString(name, WriteData)
		e.writeUint16(uint16(len(reqs)), WriteData)
		for _, r := range reqs {
			e.writeUint16(r, WriteData)
		}
		buf = e.buf
	})
	return buf
}

var errPayloadLength = errors.New("payload shorter than length")

// WriteOptionRequest writes req to w. It writes magic, command, length and
// payload in that order and returns an *OpError with the Code of the first
// field that could not be written completely. Nothing is retried.
//
// If req.Data is shorter than req.Length, nothing is written and the error
// carries WriteLength.
func WriteOptionRequest(w io.Writer, req *OptionRequest) error {
	if uint64(len(req.Data)) < uint64(req.Length) {
		return &OpError{Code: WriteLength, Err: errPayloadLength}
	}
	return do(nil, w, func(e *encoder) {
		e.writeUint64(req.Magic, WriteMagic)
		e.writeUint32(uint32(req.Command), WriteCommand)
		e.writeUint32(req.Length, WriteLength)
		if req.Length > 0 {
			e.write(req.Data[:req.Length], WriteData)
		}
	})
}

// OptionReply is a single reply sent by the server during negotiation.
//
// Data is a view into the buffer passed to ReadOptionReply. It is only valid
// until that buffer is reused.
type OptionReply struct {
	Magic   uint64
	Command OptCommand
	Result  ReplyType
	Length  uint32
	Data    []byte
}

// ReadOptionReply reads a reply from r into rep, storing the payload in buf.
// It returns an *OpError carrying the Code of the failing field.
//
// If the magic does not match, MagicMismatch is returned and nothing else is
// read. If the payload does not fit into buf, ReplyTooLarge is returned
// without reading the payload, so it is left on the stream. In both cases the
// stream should be considered desynchronized.
func ReadOptionReply(r io.Reader, rep *OptionReply, buf []byte) error {
	return do(r, nil, func(e *encoder) {
		rep.Data = nil
		rep.Magic = e.uint64(ReadMagic)
		if rep.Magic != ReplyMagic {
			e.check(&OpError{Code: MagicMismatch})
		}
		rep.Command = OptCommand(e.uint32(ReadCommand))
		rep.Result = ReplyType(e.uint32(ReadResult))
		rep.Length = e.uint32(ReadLength)
		if uint64(rep.Length) > uint64(len(buf)) {
			e.check(&OpError{Code: ReplyTooLarge})
		}
		if rep.Length > 0 {
			e.read(buf[:rep.Length], ReadData)
			rep.Data = buf[:rep.Length]
		}
	})
}

// ReadOptionRequest is the server side counterpart of WriteOptionRequest. It
// reads an option from r into req, storing the payload in buf, and reports
// errors the same way ReadOptionReply does.
func ReadOptionRequest(r io.Reader, req *OptionRequest, buf []byte) error {
	return do(r, nil, func(e *encoder) {
		req.Data = nil
		req.Magic = e.uint64(ReadMagic)
		if req.Magic != OptionMagic {
			e.check(&OpError{Code: MagicMismatch})
		}
		req.Command = OptCommand(e.uint32(ReadCommand))
		req.Length = e.uint32(ReadLength)
		if uint64(req.Length) > uint64(len(buf)) {
			e.check(&OpError{Code: ReplyTooLarge})
		}
		if req.Length > 0 {
			e.read(buf[:req.Length], ReadData)
			req.Data = buf[:req.Length]
		}
	})
}

// WriteOptionReply is the server side counterpart of ReadOptionReply.
func WriteOptionReply(w io.Writer, rep *OptionReply) error {
	if uint64(len(rep.Data)) < uint64(rep.Length) {
		return &OpError{Code: WriteLength, Err: errPayloadLength}
	}
	return do(nil, w, func(e *encoder) {
		e.writeUint64(rep.Magic, WriteMagic)
		e.writeUint32(uint32(rep.Command), WriteCommand)
		e.writeUint32(uint32(rep.Result), WriteResult)
		e.writeUint32(rep.Length, WriteLength)
		if rep.Length > 0 {
			e.write(rep.Data[:rep.Length], WriteData)
		}
	})
}

// NewOptionReply returns a reply to cmd of type typ carrying data.
func NewOptionReply(cmd OptCommand, typ ReplyType, data []byte) *OptionReply {
	return &OptionReply{
		Magic:   ReplyMagic,
		Command: cmd,
		Result:  typ,
		Length:  uint32(len(data)),
		Data:    data,
	}
}
