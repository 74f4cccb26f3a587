package main

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrkv/internal/config"
)

func TestFlagsOverrideConfig(t *testing.T) {
	var fv flagValues
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindFlags(fs, &fv)
	require.NoError(t, fs.Parse([]string{
		"--name", "uno",
		"--peer-port", "5001",
		"--etcd", "http://a:2379,http://b:2379",
		"--log-format", "console",
	}))

	cfg := config.Default()
	cfg.ClientAddr = ":9999"
	applyFlags(fs, &fv, &cfg)

	require.Equal(t, "uno", cfg.Name)
	require.Equal(t, 5001, cfg.PeerPort)
	require.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Etcd.Endpoints)
	require.Equal(t, "console", cfg.Log.Format)
	// unset flags leave the config alone
	require.Equal(t, ":9999", cfg.ClientAddr)
	require.NoError(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	lg, err := newLogger(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	require.True(t, lg.Core().Enabled(zapcore.DebugLevel))

	lg, err = newLogger(config.LogConfig{Level: "warn", Format: "console"})
	require.NoError(t, err)
	require.False(t, lg.Core().Enabled(zapcore.InfoLevel))

	_, err = newLogger(config.LogConfig{Level: "loud", Format: "json"})
	require.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunReleasesListenersWhenRegistrationFails(t *testing.T) {
	cfg := config.Default()
	cfg.PeerPort = freePort(t)
	cfg.ClientAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	cfg.Etcd.Endpoints = []string{"127.0.0.1:1"}
	cfg.Etcd.DialTimeout = 100 * time.Millisecond
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.Error(t, run(ctx, cfg, zaptest.NewLogger(t)))

	for _, addr := range []string{net.JoinHostPort("", strconv.Itoa(cfg.PeerPort)), cfg.ClientAddr} {
		l, err := net.Listen("tcp", addr)
		require.NoError(t, err, "%s still bound", addr)
		l.Close()
	}
}
