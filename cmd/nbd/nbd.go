// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	nbd "github.com/Merovius/nbdopt"
)

var commands []subcommands.Command

func main() {
	configPath := flag.String("config", "", "Path of a TOML config file")
	logLevel := flag.String("log-level", "", "Log level, overrides the config file")
	flag.Parse()
	flag.VisitAll(func(f *flag.Flag) {
		subcommands.ImportantFlag(f.Name)
	})

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath); err != nil {
			logrus.WithError(err).Error("could not load config")
			os.Exit(int(subcommands.ExitFailure))
		}
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Error("invalid log level")
		os.Exit(int(subcommands.ExitUsageError))
	}
	logrus.SetLevel(lvl)

	subcommands.Register(subcommands.HelpCommand(), "")
	for _, c := range commands {
		subcommands.Register(c, "")
	}
	os.Exit(int(subcommands.Execute(context.Background(), &cfg)))
}

// configFrom returns the config passed to subcommands.Execute.
func configFrom(args []interface{}) *config {
	return args[0].(*config)
}

// logError logs err, annotated with the option codec result, if there is
// one.
func logError(msg string, err error) {
	e := logrus.WithError(err)
	if code, ok := nbd.CodeOf(err); ok {
		e = e.WithField("code", code.String())
	}
	var re *nbd.ReplyError
	if errors.As(err, &re) {
		e = e.WithField("reply", re.Type.String())
	}
	e.Error(msg)
}

type indexFlag struct {
	set bool
	val uint32
	def string
}

func (f *indexFlag) String() string {
	if f.set {
		return strconv.FormatUint(uint64(f.val), 10)
	}
	if f.def != "" {
		return f.def
	}
	return "auto"
}

func (f *indexFlag) Set(s string) error {
	def := f.def
	if def == "" {
		def = "auto"
	}
	if s == def {
		f.set = false
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return err
	}
	f.set = true
	f.val = uint32(v)
	return nil
}
