package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
)

// DefaultConfigFile is read if --config isn't specified. It's fine if it
// doesn't exist.
const DefaultConfigFile = "~/.android/goadb.toml"

// Config is the CLI configuration. Flags override the file.
type Config struct {
	// Addr is the host:port of adbd. The port defaults to 5555.
	Addr string `toml:"addr"`

	// KeyDir contains adbkey. If empty, ~/.android is used.
	KeyDir string `toml:"key_dir"`

	// LogLevel is a slog level (debug, info, warn, error).
	LogLevel string `toml:"log_level"`

	// Metrics is the address to serve Prometheus metrics on.
	Metrics string `toml:"metrics"`

	// Compress is a comma-separated list of sync compression methods, "any"
	// or "none".
	Compress string `toml:"compress"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "warn",
		Compress: "any",
	}
}

// loadConfig reads the TOML config file at name on top of the defaults. A
// missing file is only an error if it was explicitly requested.
func loadConfig(name string, explicit bool) (Config, error) {
	cfg := defaultConfig()
	if name == "" {
		name = DefaultConfigFile
	}
	p, err := homedir.Expand(name)
	if err != nil {
		return cfg, err
	}
	md, err := toml.DecodeFile(p, &cfg)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if u := md.Undecoded(); len(u) != 0 {
		keys := make([]string, len(u))
		for i, k := range u {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("load config %s: unknown keys %s", p, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// apply overrides the config with flags which were set.
func (c *Config) apply(flags *pflag.FlagSet) {
	set := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	set("addr", &c.Addr)
	set("key-dir", &c.KeyDir)
	set("log-level", &c.LogLevel)
	set("metrics", &c.Metrics)
	set("compress", &c.Compress)
}

func (c *Config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return lvl, nil
}
