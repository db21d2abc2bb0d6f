// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/gatekeep/internal/config"
	"github.com/holomush/gatekeep/internal/provider/memory"
	"github.com/holomush/gatekeep/internal/session"
)

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// isolateConfig clears --config and points the XDG config directory at an
// empty temporary directory.
func isolateConfig(t *testing.T) {
	t.Helper()
	configFile = ""
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatekeep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// memoryFactory returns a ProviderFactory over a fresh memory provider,
// optionally with ada@example.com signed in.
func memoryFactory(t *testing.T, signedIn bool) ProviderFactory {
	t.Helper()
	return func(ctx context.Context, _ *config.Config, _ *slog.Logger) (session.Provider, func(), error) {
		p := memory.New(
			memory.WithHandshakeDelay(0),
			memory.WithHasher(memory.NewHasher(memory.HashParams{Memory: 1024, Threads: 1})),
		)
		if err := p.Seed(memory.Account{Email: "ada@example.com", Password: "lovelace", DisplayName: "Ada"}); err != nil {
			return nil, nil, err
		}
		if signedIn {
			if _, err := p.SignIn(ctx, "ada@example.com", "lovelace"); err != nil {
				return nil, nil, err
			}
		}
		return p, func() {}, nil
	}
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, sub := range []string{"serve", "watch", "status", "config"} {
		assert.Contains(t, output, sub, "Help missing %q command", sub)
	}
}

func TestRootCommand_ConfigFlag(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantFlag string
	}{
		{
			name:     "separate value",
			args:     []string{"--config", "/path/to/config.yaml", "--help"},
			wantFlag: "/path/to/config.yaml",
		},
		{
			name:     "with equals",
			args:     []string{"--config=/etc/gatekeep.yaml", "--help"},
			wantFlag: "/etc/gatekeep.yaml",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configFile = ""
			t.Cleanup(func() { configFile = "" })

			cmd := NewRootCmd()
			cmd.SetOut(new(bytes.Buffer))
			cmd.SetArgs(tt.args)

			require.NoError(t, cmd.Execute())
			assert.Equal(t, tt.wantFlag, configFile)
		})
	}
}

func TestRootCommand_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	cmd.Version = "test-version"
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "test-version")
}

func TestRootCommand_LongDescription(t *testing.T) {
	cmd := NewRootCmd()

	assert.Equal(t, "gatekeep", cmd.Use)
	assert.Contains(t, cmd.Long, "protected pages")
}

func TestResolveConfigFile(t *testing.T) {
	isolateConfig(t)
	t.Cleanup(func() { configFile = "" })

	path, err := resolveConfigFile()
	require.NoError(t, err)
	assert.Empty(t, path, "nothing configured")

	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "gatekeep"), 0o700))
	found := filepath.Join(base, "gatekeep", "config.yaml")
	require.NoError(t, os.WriteFile(found, []byte("log_level: debug\n"), 0o600))

	path, err = resolveConfigFile()
	require.NoError(t, err)
	assert.Equal(t, found, path)

	configFile = "/explicit.yaml"
	path, err = resolveConfigFile()
	require.NoError(t, err)
	assert.Equal(t, "/explicit.yaml", path, "--config wins")
}

func TestLoadConfig_UsesXDGFile(t *testing.T) {
	isolateConfig(t)
	base := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", base)
	require.NoError(t, os.MkdirAll(filepath.Join(base, "gatekeep"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(base, "gatekeep", "config.yaml"), []byte("log_level: debug\n"), 0o600))

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}
