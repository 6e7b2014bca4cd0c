package nbd

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// DefaultMaxReplyLength is the default size of the buffer a Client reads
// option replies into.
const DefaultMaxReplyLength = 64 << 10

// Export describes an export as announced by the server.
type Export struct {
	Name        string
	Description string
	Size        uint64
	Flags       ExportFlags
	BlockSizes  *BlockSizeConstraints
}

// BlockSizeConstraints optionally specifies possible block sizes for a given
// export.
type BlockSizeConstraints struct {
	Min       uint32
	Preferred uint32
	Max       uint32
}

// Client performs the client-side of the NBD network protocol handshake and
// can be used to query information about the exports from a server.
//
// A Client must not be used concurrently. Every method performs one or more
// complete option exchanges before it returns.
type Client struct {
	rw       io.ReadWriter
	conn     *ctxConn
	buf      []byte
	log      logrus.FieldLogger
	noZeroes bool
	closed   bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMaxReplyLength sets the size of the buffer option replies are read
// into. Replies with a longer payload fail with ReplyTooLarge.
func WithMaxReplyLength(n int) ClientOption {
	return func(c *Client) {
		c.buf = make([]byte, n)
	}
}

// WithLogger makes the Client log option exchanges to l.
func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

var errClosed = errors.New("use of closed client")

// ClientHandshake starts the client-side of the NBD handshake over rw. If rw
// is a net.Conn, blocking reads and writes of the handshake are interrupted
// when ctx is done.
func ClientHandshake(ctx context.Context, rw io.ReadWriter, opts ...ClientOption) (*Client, error) {
	cl := &Client{rw: rw}
	if c, ok := rw.(net.Conn); ok {
		cl.conn = wrapConn(ctx, c)
		cl.rw = cl.conn
	}
	for _, o := range opts {
		o(cl)
	}
	if cl.buf == nil {
		cl.buf = make([]byte, DefaultMaxReplyLength)
	}
	if cl.log == nil {
		cl.log = logrus.StandardLogger()
	}
	err := do(cl.rw, cl.rw, func(e *encoder) {
		if e.uint64(ReadMagic) != InitMagic {
			e.check(&OpError{Code: MagicMismatch})
		}
		switch e.uint64(ReadMagic) {
		case OptionMagic:
		case CliservMagic:
			e.check(errors.New("server uses oldstyle negotiation"))
		default:
			e.check(&OpError{Code: MagicMismatch})
		}
		serverFlags := e.uint16(ReadData)
		if serverFlags&flagFixedNewstyle == 0 {
			e.check(errors.New("refusing deprecated handshake flags"))
		}
		cl.noZeroes = serverFlags&flagNoZeroes != 0
		clientFlags := uint32(flagFixedNewstyle)
		if cl.noZeroes {
			clientFlags |= flagNoZeroes
		}
		e.writeUint32(clientFlags, WriteData)
	})
	if err != nil {
		cl.release()
		return nil, errors.Wrap(err, "handshake")
	}
	cl.log.WithField("noZeroes", cl.noZeroes).Debug("NBD handshake done")
	return cl, nil
}

// release clears the deadlines set while the client was active, so the
// connection can be handed off.
func (c *Client) release() {
	if c.conn != nil {
		c.conn.release()
	}
}

// send sends an option request to the server.
func (c *Client) send(req *OptionRequest) error {
	if c.closed {
		return errClosed
	}
	c.log.WithFields(logrus.Fields{
		"option": req.Command,
		"length": req.Length,
	}).Debug("sending option")
	if err := WriteOptionRequest(c.rw, req); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// recv receives an option reply to opt from the server. The payload of rep
// is only valid until the next call to recv. An error reply from the server
// is returned as a *ReplyError.
func (c *Client) recv(opt OptCommand, rep *OptionReply) error {
	if err := ReadOptionReply(c.rw, rep, c.buf); err != nil {
		// The stream position is unknown after a failed read.
		c.closed = true
		return err
	}
	c.log.WithFields(logrus.Fields{
		"option": rep.Command,
		"reply":  rep.Result,
		"length": rep.Length,
	}).Debug("received reply")
	if rep.Command != opt {
		c.closed = true
		return errors.Newf("server responded to %v instead of %v", rep.Command, opt)
	}
	if rep.Result.IsError() {
		return &ReplyError{Option: opt, Type: rep.Result, Message: string(rep.Data)}
	}
	return nil
}

// Abort aborts the handshake. c should not be used after Abort returns.
func (c *Client) Abort() error {
	defer c.release()
	if err := c.send(NewAbortRequest()); err != nil {
		return errors.Wrap(err, "abort")
	}
	var rep OptionReply
	err := c.recv(OptAbort, &rep)
	c.closed = true
	if code, _ := CodeOf(err); code == ReadMagic && errors.Is(err, io.EOF) {
		// Servers may close the connection without acknowledging.
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "abort")
	}
	if rep.Result != RepAck {
		return errors.Newf("invalid response %v to abort request", rep.Result)
	}
	return nil
}

// List returns the names of exports the server is providing.
func (c *Client) List() ([]string, error) {
	if err := c.send(NewListRequest()); err != nil {
		return nil, errors.Wrap(err, "list")
	}
	var list []string
	for {
		var rep OptionReply
		if err := c.recv(OptList, &rep); err != nil {
			return nil, errors.Wrap(err, "list")
		}
		switch rep.Result {
		case RepAck:
			return list, nil
		case RepServer:
			name, _, err := decodeServer(rep.Data)
			if err != nil {
				return nil, err
			}
			list = append(list, name)
		default:
			return nil, errors.Newf("invalid response %v to list request", rep.Result)
		}
	}
}

// ExportName selects the export identified by name with NBD_OPT_EXPORT_NAME
// and terminates the handshake phase. If name is empty, the default export is
// used. The server closes the connection instead of replying if it does not
// know the export. c should not be used after ExportName returns.
func (c *Client) ExportName(name string) (Export, error) {
	defer c.release()
	if err := c.send(NewExportNameRequest(name)); err != nil {
		return Export{}, errors.Wrapf(err, "select export %q", name)
	}
	c.closed = true
	ex := Export{Name: name}
	err := do(c.rw, nil, func(e *encoder) {
		ex.Size = e.uint64(ReadData)
		ex.Flags = ExportFlags(e.uint16(ReadData))
		if !c.noZeroes {
			e.discard(124, ReadData)
		}
	})
	if err != nil {
		return Export{}, errors.Wrapf(err, "select export %q", name)
	}
	return ex, nil
}

// info sends an NBD_OPT_INFO (if done == false) or NBD_OPT_GO (if done ==
// true) request and returns the export data returned by the server.
func (c *Client) info(exportName string, done bool) (Export, error) {
	reqs := []uint16{InfoExport, InfoName, InfoDescription, InfoBlockSize}
	req, opt := NewInfoRequest(exportName, reqs...), OptInfo
	if done {
		req, opt = NewGoRequest(exportName, reqs...), OptGo
	}
	if err := c.send(req); err != nil {
		return Export{}, errors.Wrapf(err, "%v %q", opt, exportName)
	}
	ex := Export{Name: exportName}
	for {
		var rep OptionReply
		if err := c.recv(opt, &rep); err != nil {
			return Export{}, errors.Wrapf(err, "%v %q", opt, exportName)
		}
		switch rep.Result {
		case RepAck:
			return ex, nil
		case RepInfo:
			if err := decodeInfo(rep.Data, &ex); err != nil {
				return Export{}, err
			}
		default:
			return Export{}, errors.Newf("invalid response %v to info request", rep.Result)
		}
	}
}

// Info requests information about the export identified by exportName. If
// exportName is the empty string, the default export will be queried.
func (c *Client) Info(exportName string) (Export, error) {
	return c.info(exportName, false)
}

// Go terminates the handshake phase of the NBD protocol, opening the export
// identified by exportName. If exportName is the empty string, the default
// export will be used. If the server rejects the request with an error reply
// (a *ReplyError), negotiation can continue. Otherwise, c should not be used
// after Go returns.
func (c *Client) Go(exportName string) (Export, error) {
	ex, err := c.info(exportName, true)
	var re *ReplyError
	if err != nil && errors.As(err, &re) {
		return ex, err
	}
	c.closed = true
	c.release()
	return ex, err
}

// decodeServer decodes the payload of an NBD_REP_SERVER reply.
func decodeServer(b []byte) (name, details string, err error) {
	if len(b) < 4 {
		return "", "", errors.New("invalid server response")
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return "", "", errors.New("invalid server response")
	}
	return string(b[4 : 4+n]), string(b[4+n:]), nil
}

// decodeInfo decodes the payload of an NBD_REP_INFO reply into ex. Unknown
// information types are ignored.
func decodeInfo(b []byte, ex *Export) error {
	if len(b) < 2 {
		return errors.New("invalid length for info reply")
	}
	typ, b := binary.BigEndian.Uint16(b), b[2:]
	switch typ {
	case InfoExport:
		if len(b) != 10 {
			return errors.New("invalid length for info reply")
		}
		ex.Size = binary.BigEndian.Uint64(b)
		ex.Flags = ExportFlags(binary.BigEndian.Uint16(b[8:]))
	case InfoName:
		if len(b) > maxStringLength {
			return errors.New("name too large")
		}
		ex.Name = string(b)
	case InfoDescription:
		if len(b) > maxStringLength {
			return errors.New("description too large")
		}
		ex.Description = string(b)
	case InfoBlockSize:
		if len(b) != 12 {
			return errors.New("invalid length for block size info")
		}
		ex.BlockSizes = &BlockSizeConstraints{
			Min:       binary.BigEndian.Uint32(b),
			Preferred: binary.BigEndian.Uint32(b[4:]),
			Max:       binary.BigEndian.Uint32(b[8:]),
		}
	}
	return nil
}
