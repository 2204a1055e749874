// Copyright (C) 2026 Kelpie Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadOfficial(t *testing.T) {
	path := writeConfig(t, `
bot:
  token: "123:abc"
  admin_user_ids: [7]
api:
  type: official
  official:
    api_key: sk-test
database:
  path: /tmp/kelpie-test
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Bot.Token)
	assert.Equal(t, BackendOfficial, cfg.API.Type)
	assert.Equal(t, "gpt-4o-mini", cfg.API.Official.Model)
	assert.Equal(t, "/chat", cfg.Bot.ChatCommand)
	assert.Equal(t, -1, cfg.API.Bing.MaxTurnsPerSession)
	assert.True(t, cfg.IsAdmin(7))
	assert.False(t, cfg.IsAdmin(8))
}

func TestLoadMissingCredential(t *testing.T) {
	path := writeConfig(t, `
bot:
  token: "123:abc"
api:
  type: official
database:
  path: /tmp/kelpie-test
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.official.api_key")
}

func TestLoadInvalidBackendType(t *testing.T) {
	path := writeConfig(t, `
bot:
  token: "123:abc"
api:
  type: telepathy
database:
  path: /tmp/kelpie-test
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadBingRequiresToken(t *testing.T) {
	path := writeConfig(t, `
bot:
  token: "123:abc"
api:
  type: bing
database:
  path: /tmp/kelpie-test
`)

	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, `
bot:
  token: "123:abc"
api:
  type: bing
  bing:
    cookies: "_U=token"
database:
  path: /tmp/kelpie-test
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendBing, cfg.API.Type)
}

func TestLoadFromEnvironmentOnly(t *testing.T) {
	t.Setenv("KELPIE_BOT_TOKEN", "123:abc")
	t.Setenv("KELPIE_API_TYPE", "official")
	t.Setenv("KELPIE_API_OFFICIAL_API_KEY", "sk-test")
	t.Setenv("KELPIE_DATABASE_PATH", filepath.Join(t.TempDir(), "db"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Bot.Token)
	assert.Equal(t, "sk-test", cfg.API.Official.APIKey)
	assert.Equal(t, "gpt-4o-mini", cfg.API.Official.Model)
}

func TestMissingBotTokenFails(t *testing.T) {
	path := writeConfig(t, `
api:
  type: official
  official:
    api_key: sk-test
database:
  path: /tmp/kelpie-test
`)

	_, err := Load(path)
	require.Error(t, err)
}
