//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	nbd "github.com/Merovius/nbdopt"
	"github.com/Merovius/nbdopt/nbdnl"
)

func init() {
	commands = append(commands, &connectCmd{})
}

type connectCmd struct {
	server serverFlags
	export string
	conns  int
}

func (cmd *connectCmd) Name() string {
	return "connect"
}

func (cmd *connectCmd) Synopsis() string {
	return "connect an export as a block device"
}

func (cmd *connectCmd) Usage() string {
	return `Usage: nbd connect [-addr <addr>] [-unix] [-export <name>] [-conns <n>]

Negotiate an export with a server and connect it to an NBD device node. The
path of the device is printed to stdout.
`
}

func (cmd *connectCmd) SetFlags(fs *flag.FlagSet) {
	cmd.server.register(fs)
	fs.StringVar(&cmd.export, "export", "", "Export to use. If not provided, the configured or default export is used")
	fs.IntVar(&cmd.conns, "conns", 0, "Number of connections to the server. Overrides the config file")
}

func (cmd *connectCmd) Execute(ctx context.Context, fs *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		logrus.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	cfg := configFrom(args)
	cmd.server.apply(cfg)
	if cmd.export != "" {
		cfg.Export = cmd.export
	}
	if cmd.conns > 0 {
		cfg.Connections = cmd.conns
	}

	nl, err := nbdnl.Dial()
	if err != nil {
		logError("could not talk to the kernel", err)
		return subcommands.ExitFailure
	}
	defer nl.Close()

	socks := make([]*os.File, cfg.Connections)
	exps := make([]nbd.Export, cfg.Connections)
	defer func() {
		for _, s := range socks {
			if s != nil {
				s.Close()
			}
		}
	}()

	// Each connection negotiates independently.
	eg, ectx := errgroup.WithContext(ctx)
	for i := range socks {
		i := i
		eg.Go(func() error {
			var err error
			socks[i], exps[i], err = negotiate(ectx, cfg)
			return errors.Wrapf(err, "connection %d", i)
		})
	}
	if err := eg.Wait(); err != nil {
		logError("could not negotiate export", err)
		return subcommands.ExitFailure
	}
	exp := exps[0]
	if len(socks) > 1 && exp.Flags&nbd.FlagCanMultiConn == 0 {
		logrus.WithField("export", exp.Name).Error("server does not support multiple connections")
		return subcommands.ExitFailure
	}

	n, err := nbd.Configure(nl, exp, nbd.ConfigureOptions{
		Timeout:           cfg.Kernel.Timeout,
		DeadconnTimeout:   cfg.Kernel.DeadconnTimeout,
		DisconnectOnClose: cfg.Kernel.DisconnectOnClose,
	}, socks...)
	if err != nil {
		logError("could not configure device", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("/dev/nbd%d\n", n)
	return subcommands.ExitSuccess
}

// negotiate opens a connection, selects the configured export and returns a
// file for the connection, ready to be handed to the kernel.
func negotiate(ctx context.Context, cfg *config) (*os.File, nbd.Export, error) {
	c, cl, err := open(ctx, cfg)
	if err != nil {
		return nil, nbd.Export{}, err
	}
	defer c.Close()

	exp, err := cl.Go(cfg.Export)
	var re *nbd.ReplyError
	if errors.As(err, &re) && re.Type == nbd.RepErrUnsup {
		logrus.Debug("server does not support NBD_OPT_GO, falling back to NBD_OPT_EXPORT_NAME")
		exp, err = cl.ExportName(cfg.Export)
	}
	if err != nil {
		return nil, nbd.Export{}, err
	}

	var sock *os.File
	switch c := c.(type) {
	case *net.TCPConn:
		sock, err = c.File()
	case *net.UnixConn:
		sock, err = c.File()
	default:
		err = errors.New("could not get file descriptor: unknown connection type")
	}
	if err != nil {
		return nil, nbd.Export{}, err
	}
	return sock, exp, nil
}
