package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	t.Setenv("FLEETNODE_PORT", "")
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 7\n"), 0o600))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--config", path})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "fleetnode version "+fleetnodeVersion)
	require.Contains(t, out.String(), "protocol version 7, header 7 bytes")
}

func TestOptionsLoad_FlagsOverrideFile(t *testing.T) {
	t.Setenv("FLEETNODE_PORT", "")
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\ntype: drone\npeers: [10.0.0.2:9000]\n"), 0o600))

	root := newRootCmd()
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, run.ParseFlags([]string{"--type", "gs", "--connect", "10.0.0.3:9000", "--discover"}))

	opts := &options{cfgFile: path}
	// The parsed values live in the options captured by newRootCmd.
	opts.nodeType, _ = run.Flags().GetString("type")
	opts.peers, _ = run.Flags().GetStringSlice("connect")
	opts.discover, _ = run.Flags().GetBool("discover")

	cfg, err := opts.load(run)
	require.NoError(t, err)
	require.Equal(t, uint16(9100), cfg.Port, "unset flags keep file values")
	require.Equal(t, "gs", cfg.Type)
	require.True(t, cfg.Discover)
	require.Equal(t, []string{"10.0.0.2:9000", "10.0.0.3:9000"}, cfg.Peers)
}

func TestOptionsLoad_InvalidType(t *testing.T) {
	t.Setenv("FLEETNODE_PORT", "")
	root := newRootCmd()
	run, _, err := root.Find([]string{"run"})
	require.NoError(t, err)
	require.NoError(t, run.ParseFlags([]string{"--type", "submarine"}))

	opts := &options{nodeType: "submarine"}
	_, err = opts.load(run)
	require.Error(t, err)
}
