package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/ccabi/internal/arch"
	"github.com/tinyrange/ccabi/internal/config"
)

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.Filename)
	require.NoError(t, os.WriteFile(path, []byte("target: mips\npic: true\ncheck:\n  iterations: 20\n"), 0o644))

	f := newFlags("check")
	f.fs.IntVar(&f.iterations, "n", 0, "")
	f.fs.Int64Var(&f.seed, "seed", 0, "")
	require.NoError(t, f.fs.Parse([]string{"-config", path, "-target", "sparc", "-seed", "9"}))

	cfg, err := f.apply()
	require.NoError(t, err)
	require.Equal(t, "sparc", cfg.Target)
	require.True(t, cfg.PIC, "unset flags keep the file value")
	require.Equal(t, 20, cfg.Check.Iterations)
	require.Equal(t, int64(9), cfg.Check.Seed)
}

func TestFlagsAreValidated(t *testing.T) {
	f := newFlags("regs")
	require.NoError(t, f.fs.Parse([]string{"-config", filepath.Join(t.TempDir(), "none.yaml"), "-color", "rainbow"}))
	_, err := f.apply()
	require.ErrorContains(t, err, "color must be auto, always or never")
}

func TestNewAppLogLevel(t *testing.T) {
	out, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer out.Close()
	none := filepath.Join(t.TempDir(), "none.yaml")

	f := newFlags("regs")
	require.NoError(t, f.fs.Parse([]string{"-config", none, "-log-level", "debug", "-color", "never"}))
	a, err := newApp(f, out)
	require.NoError(t, err)
	require.True(t, a.logger.Enabled(context.Background(), slog.LevelDebug))
	require.False(t, a.color)

	f = newFlags("regs")
	require.NoError(t, f.fs.Parse([]string{"-config", none, "-log-level", "loud"}))
	_, err = newApp(f, out)
	require.ErrorContains(t, err, `invalid log_level "loud"`)
}

func testApp(t *testing.T, all bool, target string) (*app, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Target = target
	cfg.Check.Iterations = 20
	var buf bytes.Buffer
	return &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil)), all: all, out: &buf}, &buf
}

func TestPlanCommand(t *testing.T) {
	a, out := testApp(t, false, "amd64")
	require.NoError(t, a.plan("double", false, []string{"int", "char *", "...", "float"}))
	text := out.String()
	require.Contains(t, text, "# double (int, char *, ...) on amd64")
	require.Contains(t, text, "edi[0:4]")
	require.Contains(t, text, "rsi[0:8]")
	require.Contains(t, text, "double (...)", "float is promoted in the variadic tail")

	b, out := testApp(t, false, "amd64")
	require.ErrorContains(t, b.plan("", false, []string{"quad"}), `unknown type "quad"`)
	require.Empty(t, out.String())
}

func TestRegsOnEveryTarget(t *testing.T) {
	a, out := testApp(t, true, "")
	require.NoError(t, a.regs())
	for _, target := range arch.All {
		require.Contains(t, out.String(), "# "+string(target)+" (")
	}
}

func TestRunCommand(t *testing.T) {
	a, out := testApp(t, true, "")
	files := []string{filepath.Join("..", "..", "internal", "scenario", "testdata", "basic.yaml")}
	require.NoError(t, a.runScenarios(files))
	require.Equal(t, len(arch.All), strings.Count(out.String(), "\nadd:\n"))
}

func TestCheckCommand(t *testing.T) {
	a, out := testApp(t, false, "ppc")
	require.NoError(t, a.check())
	require.Contains(t, out.String(), "ppc: 20 passed, 0 failed (seed 1)")
}
