package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/schovi/rexec/internal/engine"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(newViper())
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:7070", c.Addr())
	require.Equal(t, engine.DefaultKillGrace, c.KillGrace)
	require.Equal(t, engine.DefaultFetchWait, c.FetchWait)
	require.Zero(t, c.Retention)
	require.Equal(t, engine.ModePipe, c.Mode())
	require.Equal(t, DefaultURL, c.URL)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
kill_grace: 2s
retention: 1h
pty: true
log_format: text
`), 0600))
	t.Setenv("REXEC_FETCH_WAIT", "1s")

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	c, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, 9000, c.Port)
	require.Equal(t, 2*time.Second, c.KillGrace)
	require.Equal(t, time.Hour, c.Retention)
	require.Equal(t, time.Second, c.FetchWait)
	require.Equal(t, engine.ModePTY, c.Mode())
	require.Equal(t, "text", c.LogFormat)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(v *viper.Viper)
		errMsg string
	}{
		{"port", func(v *viper.Viper) { v.Set("port", 70000) }, "port 70000 out of range"},
		{"kill grace", func(v *viper.Viper) { v.Set("kill_grace", "0s") }, "kill_grace"},
		{"fetch wait", func(v *viper.Viper) { v.Set("fetch_wait", "1m") }, "fetch_wait"},
		{"retention", func(v *viper.Viper) { v.Set("retention", "-1s") }, "retention"},
		{"log format", func(v *viper.Viper) { v.Set("log_format", "xml") }, "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			tt.modify(v)
			_, err := Load(v)
			require.ErrorContains(t, err, tt.errMsg)
		})
	}
}
