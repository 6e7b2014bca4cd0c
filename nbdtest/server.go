// Package nbdtest provides an NBD server implementing the negotiation phase,
// for use in tests of NBD clients.
//
// The server only negotiates: once a client selected an export, the
// server sends the export data and closes the connection.
package nbdtest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	nbd "github.com/Merovius/nbdopt"
)

// MaxOptionLength is the longest option payload the server accepts. Longer
// options are answered with NBD_REP_ERR_TOO_BIG.
const MaxOptionLength = 4 << 10

// Handshake flags announced by the server.
const (
	FlagFixedNewstyle = 1 << 0
	FlagNoZeroes      = 1 << 1
)

// ErrAborted is returned by Negotiate if the client aborted negotiation.
var ErrAborted = errors.New("client aborted negotiation")

// ErrUnknownExport is returned by Negotiate if the client selected an unknown
// export with NBD_OPT_EXPORT_NAME.
var ErrUnknownExport = errors.New("unknown export")

// Config describes what a server offers.
type Config struct {
	// Exports are the exports offered. The first one is the default export.
	Exports []nbd.Export
	// HandshakeFlags are announced to the client. If zero, the server
	// announces FlagFixedNewstyle|FlagNoZeroes.
	HandshakeFlags uint16
	// Log receives a line per connection. If nil, the standard logger is
	// used.
	Log logrus.FieldLogger
}

func (cfg Config) log() logrus.FieldLogger {
	if cfg.Log == nil {
		return logrus.StandardLogger()
	}
	return cfg.Log
}

func (cfg Config) handshakeFlags() uint16 {
	if cfg.HandshakeFlags == 0 {
		return FlagFixedNewstyle | FlagNoZeroes
	}
	return cfg.HandshakeFlags
}

// Negotiate performs the server side of the negotiation phase over rw. It
// returns the export selected by the client, ErrAborted if the client aborted
// or any error encountered.
func Negotiate(rw io.ReadWriter, cfg Config) (nbd.Export, error) {
	flags := cfg.handshakeFlags()
	if err := binary.Write(rw, binary.BigEndian, struct {
		InitMagic   uint64
		OptionMagic uint64
		Flags       uint16
	}{nbd.InitMagic, nbd.OptionMagic, flags}); err != nil {
		return nbd.Export{}, errors.Wrap(err, "write greeting")
	}
	var clientFlags uint32
	if err := binary.Read(rw, binary.BigEndian, &clientFlags); err != nil {
		return nbd.Export{}, errors.Wrap(err, "read client flags")
	}
	if clientFlags&^uint32(flags) != 0 {
		return nbd.Export{}, errors.New("handshake aborted due to unknown handshake flags")
	}
	noZeroes := clientFlags&FlagNoZeroes != 0

	buf := make([]byte, MaxOptionLength)
	for {
		var req nbd.OptionRequest
		err := nbd.ReadOptionRequest(rw, &req, buf)
		if code, _ := nbd.CodeOf(err); code == nbd.ReplyTooLarge {
			if _, err := io.CopyN(io.Discard, rw, int64(req.Length)); err != nil {
				return nbd.Export{}, errors.Wrap(err, "discard option")
			}
			if err := reply(rw, req.Command, nbd.RepErrTooBig, "option too large"); err != nil {
				return nbd.Export{}, err
			}
			continue
		}
		if err != nil {
			return nbd.Export{}, err
		}

		switch req.Command {
		case nbd.OptExportName:
			ex, ok := findExport(string(req.Data), cfg.Exports)
			if !ok {
				return nbd.Export{}, ErrUnknownExport
			}
			if err := writeExportData(rw, ex, noZeroes); err != nil {
				return nbd.Export{}, err
			}
			return ex, nil
		case nbd.OptAbort:
			if err := reply(rw, req.Command, nbd.RepAck, ""); err != nil {
				return nbd.Export{}, err
			}
			return nbd.Export{}, ErrAborted
		case nbd.OptList:
			if req.Length != 0 {
				err = reply(rw, req.Command, nbd.RepErrInvalid, "list takes no data")
				break
			}
			for _, ex := range cfg.Exports {
				if err = replyServer(rw, ex.Name); err != nil {
					break
				}
			}
			if err == nil {
				err = reply(rw, req.Command, nbd.RepAck, "")
			}
		case nbd.OptInfo, nbd.OptGo:
			var ex nbd.Export
			ex, err = info(rw, req, cfg.Exports)
			if err == nil && req.Command == nbd.OptGo {
				return ex, nil
			}
			if errors.Is(err, errRejected) {
				err = nil
			}
		default:
			err = reply(rw, req.Command, nbd.RepErrUnsup, "")
		}
		if err != nil {
			return nbd.Export{}, err
		}
	}
}

var errRejected = errors.New("option rejected")

// info answers an NBD_OPT_INFO or NBD_OPT_GO request. It returns errRejected
// if the request was answered with an error reply.
func info(w io.Writer, req nbd.OptionRequest, exports []nbd.Export) (nbd.Export, error) {
	name, reqs, ok := decodeInfoRequest(req.Data)
	if !ok {
		if err := reply(w, req.Command, nbd.RepErrInvalid, "malformed info request"); err != nil {
			return nbd.Export{}, err
		}
		return nbd.Export{}, errRejected
	}
	ex, ok := findExport(name, exports)
	if !ok {
		if err := reply(w, req.Command, nbd.RepErrUnknown, "unknown export"); err != nil {
			return nbd.Export{}, err
		}
		return nbd.Export{}, errRejected
	}

	b := binary.BigEndian.AppendUint16(nil, nbd.InfoExport)
	b = binary.BigEndian.AppendUint64(b, ex.Size)
	b = binary.BigEndian.AppendUint16(b, uint16(ex.Flags))
	if err := replyData(w, req.Command, nbd.RepInfo, b); err != nil {
		return nbd.Export{}, err
	}
	for _, r := range reqs {
		var b []byte
		switch r {
		case nbd.InfoName:
			b = append(binary.BigEndian.AppendUint16(nil, r), ex.Name...)
		case nbd.InfoDescription:
			b = append(binary.BigEndian.AppendUint16(nil, r), ex.Description...)
		case nbd.InfoBlockSize:
			if ex.BlockSizes == nil {
				continue
			}
			b = binary.BigEndian.AppendUint16(nil, r)
			b = binary.BigEndian.AppendUint32(b, ex.BlockSizes.Min)
			b = binary.BigEndian.AppendUint32(b, ex.BlockSizes.Preferred)
			b = binary.BigEndian.AppendUint32(b, ex.BlockSizes.Max)
		default:
			// InfoExport was already sent, unknown types are ignored.
			continue
		}
		if err := replyData(w, req.Command, nbd.RepInfo, b); err != nil {
			return nbd.Export{}, err
		}
	}
	return ex, reply(w, req.Command, nbd.RepAck, "")
}

func decodeInfoRequest(b []byte) (name string, reqs []uint16, ok bool) {
	if len(b) < 6 {
		return "", nil, false
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-6) {
		return "", nil, false
	}
	name, b = string(b[4:4+n]), b[4+n:]
	nreqs := binary.BigEndian.Uint16(b)
	b = b[2:]
	if len(b) != 2*int(nreqs) {
		return "", nil, false
	}
	for ; len(b) > 0; b = b[2:] {
		reqs = append(reqs, binary.BigEndian.Uint16(b))
	}
	return name, reqs, true
}

func writeExportData(w io.Writer, ex nbd.Export, noZeroes bool) error {
	b := binary.BigEndian.AppendUint64(nil, ex.Size)
	b = binary.BigEndian.AppendUint16(b, uint16(ex.Flags))
	if !noZeroes {
		b = append(b, make([]byte, 124)...)
	}
	_, err := w.Write(b)
	return errors.Wrap(err, "write export data")
}

func reply(w io.Writer, cmd nbd.OptCommand, typ nbd.ReplyType, msg string) error {
	return replyData(w, cmd, typ, []byte(msg))
}

func replyData(w io.Writer, cmd nbd.OptCommand, typ nbd.ReplyType, data []byte) error {
	return nbd.WriteOptionReply(w, nbd.NewOptionReply(cmd, typ, data))
}

func replyServer(w io.Writer, name string) error {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(name)))
	return replyData(w, nbd.OptList, nbd.RepServer, append(b, name...))
}

// findExport searches the list of exports for one with the given name. If name
// is empty, it returns the first export.
func findExport(name string, exp []nbd.Export) (nbd.Export, bool) {
	if len(exp) > 0 && name == "" {
		return exp[0], true
	}
	for _, e := range exp {
		if e.Name == name {
			return e, true
		}
	}
	return nbd.Export{}, false
}

// Server is an NBD negotiation server listening on a local TCP port.
type Server struct {
	// Addr is the address the server listens on.
	Addr string

	cfg Config
	l   net.Listener
	eg  errgroup.Group

	mu    sync.Mutex
	conns map[net.Conn]bool
}

// NewServer starts a Server offering cfg on a random port of the loopback
// interface. The caller should call Close when finished.
func NewServer(cfg Config) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	s := &Server{
		Addr:  l.Addr().String(),
		cfg:   cfg,
		l:     l,
		conns: make(map[net.Conn]bool),
	}
	s.eg.Go(s.accept)
	return s, nil
}

func (s *Server) accept() error {
	for {
		c, err := s.l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[c] = true
		s.mu.Unlock()
		s.eg.Go(func() error {
			defer s.forget(c)
			log := s.cfg.log().WithField("remote", c.RemoteAddr().String())
			ex, err := Negotiate(c, s.cfg)
			switch {
			case err == nil:
				log.WithField("export", ex.Name).Debug("client selected export")
			case errors.Is(err, ErrAborted):
				log.Debug("client aborted negotiation")
			default:
				log.WithError(err).Debug("negotiation failed")
			}
			return nil
		})
	}
}

func (s *Server) forget(c net.Conn) {
	c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops the server, closes all open connections and waits for their
// goroutines to exit.
func (s *Server) Close() error {
	err := s.l.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	if e := s.eg.Wait(); err == nil {
		err = e
	}
	return err
}

// Pipe runs Negotiate on one end of an in-memory connection and returns the
// other end. wait blocks until Negotiate returns and returns its results.
func Pipe(cfg Config) (client net.Conn, wait func() (nbd.Export, error)) {
	client, server := net.Pipe()
	var (
		eg errgroup.Group
		ex nbd.Export
	)
	eg.Go(func() error {
		defer server.Close()
		var err error
		ex, err = Negotiate(server, cfg)
		return err
	})
	return client, func() (nbd.Export, error) {
		err := eg.Wait()
		return ex, err
	}
}
