package interception

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeSystemctl(t *testing.T, exitCode string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "systemctl")
	// #nosec G306 -- test helper must be executable.
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit "+exitCode+"\n"), 0o755))
	return path
}

func TestSystemdLive(t *testing.T) {
	t.Parallel()

	s := NewSystemd("")
	require.Equal(t, DefaultUnit, s.Unit)

	s.Systemctl = fakeSystemctl(t, "0")
	live, err := s.Live(context.Background())
	require.NoError(t, err)
	require.True(t, live)

	s.Systemctl = fakeSystemctl(t, "3")
	live, err = s.Live(context.Background())
	require.NoError(t, err)
	require.False(t, live)

	s.Systemctl = filepath.Join(t.TempDir(), "missing")
	live, err = s.Live(context.Background())
	require.Error(t, err)
	require.False(t, live)
}

func TestTCPLive(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	live, err := TCP{Addr: addr}.Live(context.Background())
	require.NoError(t, err)
	require.True(t, live)

	require.NoError(t, ln.Close())
	live, err = TCP{Addr: addr}.Live(context.Background())
	require.NoError(t, err)
	require.False(t, live)
}

func TestDetectPrefersSystemd(t *testing.T) {
	dir := filepath.Dir(fakeSystemctl(t, "0"))
	t.Setenv("PATH", dir)

	checker := Detect()
	s, ok := checker.(Systemd)
	require.True(t, ok, "expected systemd check, got %T", checker)
	require.Equal(t, DefaultUnit, s.Unit)
	require.Equal(t, filepath.Join(dir, "systemctl"), s.Systemctl)

	live, err := checker.Live(context.Background())
	require.NoError(t, err)
	require.True(t, live)
}

func TestDetectFallsBackToTCP(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	checker := Detect()
	require.Equal(t, TCP{Addr: DefaultAddr}, checker)
}
