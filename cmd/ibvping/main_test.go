package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/ibvsock/internal/rdma"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "ibvsock.yaml")
	out, err := runCmd(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Created default configuration")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "buf_num: 128")
}

func TestPingSimulated(t *testing.T) {
	out, err := runCmd(t, "ping", "--simulate", "--buf-num=4", "--probe-count=2", "--probe-interval-ms=5",
		"10.0.0.2:8003", "10.0.0.3:8003")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.2:8003: 2 sent, 2 received, 0.0% loss")
	assert.Contains(t, out, "10.0.0.3:8003: 2 sent, 2 received")
	assert.Contains(t, out, "rtt min/avg/max")
}

func TestCheckSimulated(t *testing.T) {
	out, err := runCmd(t, "check", "--simulate", "--buf-num=4", "10.0.0.2:8003")
	require.NoError(t, err)
	assert.Contains(t, out, "10.0.0.2:8003: connection alive (0 stale retries)")
}

func TestCommandErrors(t *testing.T) {
	_, err := runCmd(t, "ping")
	assert.Error(t, err, "ping needs a target")

	_, err = runCmd(t, "check", "--simulate", "--buf-num=1", "10.0.0.2:8003")
	assert.ErrorContains(t, err, "buf_num")

	_, err = runCmd(t, "ping", "--simulate", "--otel-collector-addr=ftp://collector:21", "10.0.0.2:8003")
	assert.ErrorContains(t, err, "unsupported OTLP exporter protocol scheme")
}

func TestDevicesWithoutHardware(t *testing.T) {
	if _, err := rdma.ListDevices(); err == nil {
		t.Skip("RDMA devices present")
	}
	_, err := runCmd(t, "devices")
	assert.ErrorIs(t, err, rdma.ErrNoDevice)
}
