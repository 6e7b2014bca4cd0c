package nbd_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nbd "github.com/Merovius/nbdopt"
	"github.com/Merovius/nbdopt/nbdtest"
)

var testExports = []nbd.Export{
	{
		Name:        "disk0",
		Description: "first disk",
		Size:        1 << 30,
		Flags:       nbd.FlagHasFlags | nbd.FlagSendFlush,
		BlockSizes:  &nbd.BlockSizeConstraints{Min: 512, Preferred: 4096, Max: 32 << 20},
	},
	{
		Name:  "disk1",
		Size:  4 << 20,
		Flags: nbd.FlagHasFlags | nbd.FlagReadOnly,
	},
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func testConfig() nbdtest.Config {
	return nbdtest.Config{Exports: testExports, Log: quietLogger()}
}

func handshake(t *testing.T, cfg nbdtest.Config, opts ...nbd.ClientOption) (*nbd.Client, net.Conn, func() (nbd.Export, error)) {
	t.Helper()
	conn, wait := nbdtest.Pipe(cfg)
	t.Cleanup(func() { conn.Close() })
	opts = append([]nbd.ClientOption{nbd.WithLogger(quietLogger())}, opts...)
	cl, err := nbd.ClientHandshake(context.Background(), conn, opts...)
	require.NoError(t, err)
	return cl, conn, wait
}

func TestClientList(t *testing.T) {
	cl, _, wait := handshake(t, testConfig())
	names, err := cl.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"disk0", "disk1"}, names)

	require.NoError(t, cl.Abort())
	_, err = wait()
	assert.ErrorIs(t, err, nbdtest.ErrAborted)
}

func TestClientListEmpty(t *testing.T) {
	cl, _, wait := handshake(t, nbdtest.Config{Log: quietLogger()})
	names, err := cl.List()
	require.NoError(t, err)
	assert.Empty(t, names)
	require.NoError(t, cl.Abort())
	_, err = wait()
	assert.ErrorIs(t, err, nbdtest.ErrAborted)
}

func TestClientInfo(t *testing.T) {
	cl, _, wait := handshake(t, testConfig())

	ex, err := cl.Info("disk0")
	require.NoError(t, err)
	assert.Equal(t, testExports[0], ex)

	ex, err = cl.Info("disk1")
	require.NoError(t, err)
	assert.Equal(t, testExports[1], ex)
	assert.Nil(t, ex.BlockSizes)

	// The default export is the first one.
	ex, err = cl.Info("")
	require.NoError(t, err)
	assert.Equal(t, "disk0", ex.Name)

	require.NoError(t, cl.Abort())
	_, err = wait()
	assert.ErrorIs(t, err, nbdtest.ErrAborted)
}

func TestClientGoFallback(t *testing.T) {
	cl, _, wait := handshake(t, testConfig())

	_, err := cl.Go("nope")
	var re *nbd.ReplyError
	require.True(t, errors.As(err, &re), "%v", err)
	assert.Equal(t, nbd.OptGo, re.Option)
	assert.Equal(t, nbd.RepErrUnknown, re.Type)

	ex, err := cl.Go("disk1")
	require.NoError(t, err)
	assert.Equal(t, testExports[1], ex)

	got, err := wait()
	require.NoError(t, err)
	assert.Equal(t, "disk1", got.Name)

	_, err = cl.List()
	assert.Error(t, err, "client usable after NBD_OPT_GO")
}

func TestClientExportName(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags uint16
	}{
		{"NoZeroes", 0},
		{"Zeroes", nbdtest.FlagFixedNewstyle},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.HandshakeFlags = tc.flags
			cl, _, wait := handshake(t, cfg)

			ex, err := cl.ExportName("disk1")
			require.NoError(t, err)
			assert.Equal(t, "disk1", ex.Name)
			assert.Equal(t, testExports[1].Size, ex.Size)
			assert.Equal(t, testExports[1].Flags, ex.Flags)

			_, err = wait()
			require.NoError(t, err)
		})
	}
}

func TestClientExportNameUnknown(t *testing.T) {
	cl, _, wait := handshake(t, testConfig())
	_, err := cl.ExportName("nope")
	assert.ErrorIs(t, err, nbd.ReadData)
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, nbd.IsShort(err))

	_, err = wait()
	assert.ErrorIs(t, err, nbdtest.ErrUnknownExport)
}

func TestClientUnsupportedOption(t *testing.T) {
	cl, conn, wait := handshake(t, testConfig())
	// Structured replies are not implemented by the test server.
	require.NoError(t, conn.SetDeadline(time.Time{}))
	require.NoError(t, nbd.WriteOptionRequest(conn, nbd.NewOptionRequest(nbd.OptStructuredReply, nil)))
	var rep nbd.OptionReply
	require.NoError(t, nbd.ReadOptionReply(conn, &rep, make([]byte, 64)))
	assert.Equal(t, nbd.OptStructuredReply, rep.Command)
	assert.Equal(t, nbd.RepErrUnsup, rep.Result)

	// The client is still in sync with the server.
	names, err := cl.List()
	require.NoError(t, err)
	assert.Len(t, names, 2)
	require.NoError(t, cl.Abort())
	_, err = wait()
	assert.ErrorIs(t, err, nbdtest.ErrAborted)
}

func TestClientClosed(t *testing.T) {
	cl, _, wait := handshake(t, testConfig())
	require.NoError(t, cl.Abort())
	_, err := wait()
	assert.ErrorIs(t, err, nbdtest.ErrAborted)

	_, err = cl.List()
	assert.Error(t, err)
	_, err = cl.Info("disk0")
	assert.Error(t, err)
	_, err = cl.ExportName("disk0")
	assert.Error(t, err)
}

func TestClientReplyTooLarge(t *testing.T) {
	cfg := nbdtest.Config{
		Exports: []nbd.Export{{Name: "an-export-with-a-long-name"}},
		Log:     quietLogger(),
	}
	cl, conn, wait := handshake(t, cfg, nbd.WithMaxReplyLength(8))
	_, err := cl.List()
	assert.ErrorIs(t, err, nbd.ReplyTooLarge)

	// The stream is out of sync, so the client refuses to continue.
	_, err = cl.Info("")
	assert.Error(t, err)

	conn.Close()
	_, err = wait()
	assert.Error(t, err)
}

func TestClientHandshakeBadMagic(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		server.Write(make([]byte, 18))
	}()
	_, err := nbd.ClientHandshake(context.Background(), client, nbd.WithLogger(quietLogger()))
	code, ok := nbd.CodeOf(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, nbd.MagicMismatch, code)
}

func TestClientHandshakeRequiresFixedNewstyle(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		b := make([]byte, 0, 18)
		b = append(b, "NBDMAGICIHAVEOPT"...)
		b = append(b, 0, 0)
		server.Write(b)
	}()
	_, err := nbd.ClientHandshake(context.Background(), client, nbd.WithLogger(quietLogger()))
	assert.Error(t, err)
	_, ok := nbd.CodeOf(err)
	assert.False(t, ok)
}

func TestClientHandshakeCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := nbd.ClientHandshake(ctx, client, nbd.WithLogger(quietLogger()))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, nbd.ReadMagic)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestClientLogsOptions(t *testing.T) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)

	conn, wait := nbdtest.Pipe(testConfig())
	defer conn.Close()
	cl, err := nbd.ClientHandshake(context.Background(), conn, nbd.WithLogger(l))
	require.NoError(t, err)
	_, err = cl.List()
	require.NoError(t, err)
	require.NoError(t, cl.Abort())
	_, err = wait()
	assert.ErrorIs(t, err, nbdtest.ErrAborted)

	var sent int
	for _, e := range hook.AllEntries() {
		if e.Message == "sending option" {
			sent++
		}
	}
	assert.Equal(t, 2, sent)
}

func TestDialTCP(t *testing.T) {
	srv, err := nbdtest.NewServer(testConfig())
	require.NoError(t, err)
	defer srv.Close()

	for _, noDelay := range []bool{true, false} {
		ctx := context.Background()
		conn, err := nbd.Dial(ctx, nbd.DialConfig{
			Addr:    srv.Addr,
			Timeout: 5 * time.Second,
			NoDelay: noDelay,
		})
		require.NoError(t, err)

		cl, err := nbd.ClientHandshake(ctx, conn, nbd.WithLogger(quietLogger()))
		require.NoError(t, err)
		ex, err := cl.Go("disk0")
		require.NoError(t, err)
		assert.Equal(t, testExports[0], ex)
		conn.Close()
	}
}

func TestDialRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = nbd.Dial(context.Background(), nbd.DialConfig{Addr: addr, Timeout: time.Second})
	assert.Error(t, err)
}
