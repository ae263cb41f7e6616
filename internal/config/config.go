// Package config reads server and client settings from viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/schovi/rexec/internal/engine"
)

const (
	EnvPrefix = "REXEC"

	DefaultListen = "127.0.0.1"
	DefaultPort   = 7070
	DefaultURL    = "http://127.0.0.1:7070"
)

type Config struct {
	Listen    string        `mapstructure:"listen"`
	Port      int           `mapstructure:"port"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
	FetchWait time.Duration `mapstructure:"fetch_wait"`
	Retention time.Duration `mapstructure:"retention"`
	SpoolDir  string        `mapstructure:"spool_dir"`
	PTY       bool          `mapstructure:"pty"`
	Verbose   bool          `mapstructure:"verbose"`
	LogFormat string        `mapstructure:"log_format"`
	URL       string        `mapstructure:"url"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("kill_grace", engine.DefaultKillGrace)
	v.SetDefault("fetch_wait", engine.DefaultFetchWait)
	v.SetDefault("retention", time.Duration(0))
	v.SetDefault("spool_dir", "")
	v.SetDefault("pty", false)
	v.SetDefault("verbose", false)
	v.SetDefault("log_format", "json")
	v.SetDefault("url", DefaultURL)
}

func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.KillGrace <= 0 {
		errs = append(errs, errors.New("kill_grace must be positive"))
	}
	if c.FetchWait < 0 || c.FetchWait > engine.MaxFetchWait {
		errs = append(errs, fmt.Errorf("fetch_wait must be between 0 and %s", engine.MaxFetchWait))
	}
	if c.Retention < 0 {
		errs = append(errs, errors.New("retention cannot be negative"))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log_format %q must be json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Addr is the server listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
}

func (c Config) Mode() engine.Mode {
	if c.PTY {
		return engine.ModePTY
	}
	return engine.ModePipe
}
