// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runConfigCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	isolateConfig(t)
	t.Cleanup(func() { configFile = "" })

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"config"}, args...))

	err := cmd.Execute()
	return buf.String(), err
}

func TestConfigValidate_ValidFile(t *testing.T) {
	path := writeConfig(t, `
provider:
  kind: memory
  memory:
    handshake_delay: 10ms
    users:
      - email: ada@example.com
        password: lovelace
routes:
  rules:
    - pattern: "/auth/**"
      requirement: public_only
`)

	out, err := runConfigCmd(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "valid (provider memory, 1 route rules)")
}

func TestConfigValidate_UsesConfigFlag(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	out, err := runConfigCmd(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path+": valid")
}

func TestConfigValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "schema violation", content: "provider:\n  kind: ldap\n"},
		{name: "unknown key", content: "listen_adr: 127.0.0.1:1\n"},
		{name: "semantic error", content: "routes:\n  entry: /same\n  home: /same\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runConfigCmd(t, "validate", writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "validation failed")
		})
	}
}

func TestConfigValidate_NoFile(t *testing.T) {
	_, err := runConfigCmd(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration file")
}

func TestConfigSchema(t *testing.T) {
	out, err := runConfigCmd(t, "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "provider")
	assert.Contains(t, props, "routes")
}
