package main

import (
	"context"
	"flag"
	"fmt"
	"net"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	nbd "github.com/Merovius/nbdopt"
)

func init() {
	commands = append(commands, &exportsCmd{})
}

// serverFlags are the flags selecting a server, shared by all commands
// talking to one.
type serverFlags struct {
	addr string
	unix bool
}

func (f *serverFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.addr, "addr", "", "Address of the server. Overrides the config file")
	fs.BoolVar(&f.unix, "unix", false, "Treat -addr as a unix domain socket")
}

// apply overrides the dial configuration in cfg with the flags.
func (f *serverFlags) apply(cfg *config) {
	if f.addr != "" {
		cfg.Dial.Addr = f.addr
	}
	if f.unix {
		cfg.Dial.Network = "unix"
	}
}

// open connects to the server and performs the handshake. The caller must
// close the returned connection.
func open(ctx context.Context, cfg *config) (net.Conn, *nbd.Client, error) {
	c, err := nbd.Dial(ctx, cfg.Dial)
	if err != nil {
		return nil, nil, err
	}
	cl, err := nbd.ClientHandshake(ctx, c, cfg.clientOptions()...)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, cl, nil
}

type exportsCmd struct {
	server serverFlags
}

func (cmd *exportsCmd) Name() string {
	return "exports"
}

func (cmd *exportsCmd) Synopsis() string {
	return "list the exports of a server"
}

func (cmd *exportsCmd) Usage() string {
	return `Usage: nbd exports [-addr <addr>] [-unix]

List the names of the exports a server provides.
`
}

func (cmd *exportsCmd) SetFlags(fs *flag.FlagSet) {
	cmd.server.register(fs)
}

func (cmd *exportsCmd) Execute(ctx context.Context, fs *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		logrus.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	cfg := configFrom(args)
	cmd.server.apply(cfg)

	c, cl, err := open(ctx, cfg)
	if err != nil {
		logError("could not connect", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	list, err := cl.List()
	if err != nil {
		logError("could not list exports", err)
		return subcommands.ExitFailure
	}
	for _, name := range list {
		fmt.Println(name)
	}
	if err := cl.Abort(); err != nil {
		logError("could not abort negotiation", err)
	}
	return subcommands.ExitSuccess
}
