package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/ccabi/internal/arch"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), Filename)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), Filename))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
target: powerpc
pic: true
log_level: debug
color: never
check:
  iterations: 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.PIC)
	require.Equal(t, ColorNever, cfg.Color)
	require.Equal(t, 50, cfg.Check.Iterations)
	require.Equal(t, int64(1), cfg.Check.Seed, "unset keys keep their default")

	a, err := cfg.Architecture()
	require.NoError(t, err)
	require.Equal(t, arch.PowerPC, a)

	l, err := cfg.Level()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, l)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want string
	}{
		{"target", "target: vax\n", `unknown architecture "vax"`},
		{"color", "color: sometimes\n", "color must be auto, always or never"},
		{"level", "log_level: loud\n", `invalid log_level "loud"`},
		{"iterations", "check:\n  iterations: 0\n", "check.iterations must be positive"},
		{"syntax", "target: [\n", "config: parsing"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
