package main

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	nbd "github.com/Merovius/nbdopt"
)

// config is the configuration shared by all subcommands. Flags of the
// individual subcommands override it.
type config struct {
	Dial           nbd.DialConfig
	Export         string
	MaxReplyLength int
	Connections    int
	LogLevel       string
	Kernel         kernelConfig
}

type kernelConfig struct {
	Timeout           time.Duration
	DeadconnTimeout   time.Duration
	DisconnectOnClose bool
}

func defaultConfig() config {
	return config{
		Dial: nbd.DialConfig{
			Network: "tcp",
			Addr:    "localhost:" + nbd.DefaultPort,
			Timeout: 10 * time.Second,
			NoDelay: true,
		},
		MaxReplyLength: nbd.DefaultMaxReplyLength,
		Connections:    1,
		LogLevel:       "info",
	}
}

type fileConfig struct {
	Network        string `toml:"network"`
	Addr           string `toml:"addr"`
	Export         string `toml:"export"`
	Timeout        string `toml:"timeout"`
	NoDelay        bool   `toml:"nodelay"`
	KeepAlive      string `toml:"keepalive"`
	MaxReplyLength int    `toml:"max_reply_length"`
	Connections    int    `toml:"connections"`
	LogLevel       string `toml:"log_level"`
	Kernel         struct {
		Timeout           string `toml:"timeout"`
		DeadconnTimeout   string `toml:"deadconn_timeout"`
		DisconnectOnClose bool   `toml:"disconnect_on_close"`
	} `toml:"kernel"`
}

// loadConfig reads the TOML file at path. Keys missing from the file keep
// their default values.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, errors.Wrapf(err, "load config %s", path)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return config{}, errors.Newf("unknown config key %q", undec[0].String())
	}

	if meta.IsDefined("network") {
		cfg.Dial.Network = strings.TrimSpace(raw.Network)
	}
	if meta.IsDefined("addr") {
		cfg.Dial.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("export") {
		cfg.Export = raw.Export
	}
	if meta.IsDefined("nodelay") {
		cfg.Dial.NoDelay = raw.NoDelay
	}
	if meta.IsDefined("max_reply_length") {
		if raw.MaxReplyLength <= 0 {
			return config{}, errors.Newf("max_reply_length must be positive, got %d", raw.MaxReplyLength)
		}
		cfg.MaxReplyLength = raw.MaxReplyLength
	}
	if meta.IsDefined("connections") {
		if raw.Connections <= 0 {
			return config{}, errors.Newf("connections must be positive, got %d", raw.Connections)
		}
		cfg.Connections = raw.Connections
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("kernel", "disconnect_on_close") {
		cfg.Kernel.DisconnectOnClose = raw.Kernel.DisconnectOnClose
	}

	durations := []struct {
		key []string
		raw string
		out *time.Duration
	}{
		{[]string{"timeout"}, raw.Timeout, &cfg.Dial.Timeout},
		{[]string{"keepalive"}, raw.KeepAlive, &cfg.Dial.KeepAlive},
		{[]string{"kernel", "timeout"}, raw.Kernel.Timeout, &cfg.Kernel.Timeout},
		{[]string{"kernel", "deadconn_timeout"}, raw.Kernel.DeadconnTimeout, &cfg.Kernel.DeadconnTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return config{}, errors.Wrapf(err, "parse %s", strings.Join(d.key, "."))
		}
		*d.out = v
	}
	return cfg, nil
}

// clientOptions returns the options for nbd.ClientHandshake.
func (cfg *config) clientOptions() []nbd.ClientOption {
	return []nbd.ClientOption{
		nbd.WithMaxReplyLength(cfg.MaxReplyLength),
		nbd.WithLogger(logrus.StandardLogger()),
	}
}
