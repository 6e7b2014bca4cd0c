package nbdtest

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nbd "github.com/Merovius/nbdopt"
)

// rawClient drives Negotiate with hand-crafted options.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func startRaw(t *testing.T, cfg Config) (*rawClient, func() (nbd.Export, error)) {
	t.Helper()
	if cfg.Log == nil {
		cfg.Log, _ = test.NewNullLogger()
	}
	conn, wait := Pipe(cfg)
	t.Cleanup(func() { conn.Close() })

	var greeting struct {
		InitMagic   uint64
		OptionMagic uint64
		Flags       uint16
	}
	require.NoError(t, binary.Read(conn, binary.BigEndian, &greeting))
	require.Equal(t, uint64(nbd.InitMagic), greeting.InitMagic)
	require.Equal(t, uint64(nbd.OptionMagic), greeting.OptionMagic)
	require.NoError(t, binary.Write(conn, binary.BigEndian, uint32(greeting.Flags)))
	return &rawClient{t: t, conn: conn, buf: make([]byte, 1024)}, wait
}

func (c *rawClient) send(cmd nbd.OptCommand, data []byte) {
	c.t.Helper()
	require.NoError(c.t, nbd.WriteOptionRequest(c.conn, nbd.NewOptionRequest(cmd, data)))
}

func (c *rawClient) recv() nbd.OptionReply {
	c.t.Helper()
	var rep nbd.OptionReply
	require.NoError(c.t, nbd.ReadOptionReply(c.conn, &rep, c.buf))
	return rep
}

func (c *rawClient) abort(wait func() (nbd.Export, error)) {
	c.t.Helper()
	c.send(nbd.OptAbort, nil)
	rep := c.recv()
	assert.Equal(c.t, nbd.RepAck, rep.Result)
	_, err := wait()
	assert.ErrorIs(c.t, err, ErrAborted)
}

func TestNegotiateOptionTooBig(t *testing.T) {
	c, wait := startRaw(t, Config{Exports: []nbd.Export{{Name: "disk0"}}})
	c.send(nbd.OptInfo, bytes.Repeat([]byte{'x'}, MaxOptionLength+1))
	rep := c.recv()
	assert.Equal(t, nbd.OptInfo, rep.Command)
	assert.Equal(t, nbd.RepErrTooBig, rep.Result)
	c.abort(wait)
}

func TestNegotiateListWithData(t *testing.T) {
	c, wait := startRaw(t, Config{Exports: []nbd.Export{{Name: "disk0"}}})
	c.send(nbd.OptList, []byte("junk"))
	rep := c.recv()
	assert.Equal(t, nbd.RepErrInvalid, rep.Result)
	c.abort(wait)
}

func TestNegotiateList(t *testing.T) {
	c, wait := startRaw(t, Config{Exports: []nbd.Export{{Name: "disk0"}, {Name: "b"}}})
	c.send(nbd.OptList, nil)
	for _, name := range []string{"disk0", "b"} {
		rep := c.recv()
		require.Equal(t, nbd.RepServer, rep.Result)
		assert.Equal(t, uint32(len(name)), binary.BigEndian.Uint32(rep.Data))
		assert.Equal(t, name, string(rep.Data[4:]))
	}
	assert.Equal(t, nbd.RepAck, c.recv().Result)
	c.abort(wait)
}

func TestNegotiateMalformedInfo(t *testing.T) {
	c, wait := startRaw(t, Config{Exports: []nbd.Export{{Name: "disk0"}}})
	for _, data := range [][]byte{
		nil,
		{0, 0, 0, 9, 'd', 0, 0},
		{0, 0, 0, 0, 0, 2, 0, 1},
	} {
		c.send(nbd.OptGo, data)
		rep := c.recv()
		assert.Equal(t, nbd.OptGo, rep.Command)
		assert.Equal(t, nbd.RepErrInvalid, rep.Result, "%x", data)
	}
	c.abort(wait)
}

func TestNegotiateUnsupported(t *testing.T) {
	c, wait := startRaw(t, Config{})
	for _, cmd := range []nbd.OptCommand{nbd.OptStartTLS, nbd.OptStructuredReply, nbd.OptCommand(42)} {
		c.send(cmd, nil)
		rep := c.recv()
		assert.Equal(t, cmd, rep.Command)
		assert.Equal(t, nbd.RepErrUnsup, rep.Result)
	}
	c.abort(wait)
}

func TestNegotiateBadMagic(t *testing.T) {
	c, wait := startRaw(t, Config{})
	_, err := c.conn.Write(make([]byte, 8))
	require.NoError(t, err)
	_, err = wait()
	assert.ErrorIs(t, err, nbd.MagicMismatch)
}

func TestNegotiateUnknownFlags(t *testing.T) {
	log, _ := test.NewNullLogger()
	conn, wait := Pipe(Config{HandshakeFlags: FlagFixedNewstyle, Log: log})
	defer conn.Close()
	_, err := io.CopyN(io.Discard, conn, 18)
	require.NoError(t, err)
	require.NoError(t, binary.Write(conn, binary.BigEndian, uint32(FlagFixedNewstyle|FlagNoZeroes)))
	_, err = wait()
	assert.Error(t, err)
}

func TestDecodeInfoRequest(t *testing.T) {
	name, reqs, ok := decodeInfoRequest(nbd.NewInfoRequest("disk0", nbd.InfoName, nbd.InfoBlockSize).Data)
	require.True(t, ok)
	assert.Equal(t, "disk0", name)
	assert.Equal(t, []uint16{nbd.InfoName, nbd.InfoBlockSize}, reqs)

	name, reqs, ok = decodeInfoRequest(nbd.NewInfoRequest("").Data)
	require.True(t, ok)
	assert.Empty(t, name)
	assert.Empty(t, reqs)
}

func TestFindExport(t *testing.T) {
	exp := []nbd.Export{{Name: "a"}, {Name: "b"}}
	e, ok := findExport("", exp)
	assert.True(t, ok)
	assert.Equal(t, "a", e.Name)
	e, ok = findExport("b", exp)
	assert.True(t, ok)
	assert.Equal(t, "b", e.Name)
	_, ok = findExport("c", exp)
	assert.False(t, ok)
	_, ok = findExport("", nil)
	assert.False(t, ok)
}
