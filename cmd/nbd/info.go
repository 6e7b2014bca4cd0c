package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	nbd "github.com/Merovius/nbdopt"
)

func init() {
	commands = append(commands, &infoCmd{})
}

type infoCmd struct {
	server serverFlags
	export string
}

func (cmd *infoCmd) Name() string {
	return "info"
}

func (cmd *infoCmd) Synopsis() string {
	return "show information about an export"
}

func (cmd *infoCmd) Usage() string {
	return `Usage: nbd info [-addr <addr>] [-unix] [-export <name>]

Show size, flags and block size constraints of an export.
`
}

func (cmd *infoCmd) SetFlags(fs *flag.FlagSet) {
	cmd.server.register(fs)
	fs.StringVar(&cmd.export, "export", "", "Export to query. If not provided, the configured or default export is used")
}

func (cmd *infoCmd) Execute(ctx context.Context, fs *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		logrus.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}
	cfg := configFrom(args)
	cmd.server.apply(cfg)
	if cmd.export != "" {
		cfg.Export = cmd.export
	}

	c, cl, err := open(ctx, cfg)
	if err != nil {
		logError("could not connect", err)
		return subcommands.ExitFailure
	}
	defer c.Close()

	exp, err := cl.Info(cfg.Export)
	if err != nil {
		logError("could not query export", err)
		return subcommands.ExitFailure
	}
	printExport(os.Stdout, exp)
	if err := cl.Abort(); err != nil {
		logError("could not abort negotiation", err)
	}
	return subcommands.ExitSuccess
}

func printExport(w io.Writer, exp nbd.Export) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	fmt.Fprintf(tw, "Name:\t%s\n", exp.Name)
	if exp.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", exp.Description)
	}
	fmt.Fprintf(tw, "Size:\t%s (%d bytes)\n", units.BytesSize(float64(exp.Size)), exp.Size)
	fmt.Fprintf(tw, "Flags:\t%s\n", formatFlags(exp.Flags))
	if bs := exp.BlockSizes; bs != nil {
		fmt.Fprintf(tw, "Block sizes:\tmin %s, preferred %s, max %s\n",
			units.BytesSize(float64(bs.Min)),
			units.BytesSize(float64(bs.Preferred)),
			units.BytesSize(float64(bs.Max)))
	}
	tw.Flush()
}

var flagNames = []struct {
	flag nbd.ExportFlags
	name string
}{
	{nbd.FlagReadOnly, "read-only"},
	{nbd.FlagSendFlush, "flush"},
	{nbd.FlagSendFUA, "fua"},
	{nbd.FlagRotational, "rotational"},
	{nbd.FlagSendTrim, "trim"},
	{nbd.FlagSendWriteZeroes, "write-zeroes"},
	{nbd.FlagSendDF, "df"},
	{nbd.FlagCanMultiConn, "multi-conn"},
}

func formatFlags(f nbd.ExportFlags) string {
	if f&nbd.FlagHasFlags == 0 {
		return "none"
	}
	var names []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
