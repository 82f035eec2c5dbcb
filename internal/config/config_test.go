// ABOUTME: Tests for bygeon.toml loading
// ABOUTME: Covers env expansion, defaults, and validation failures

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bygeon.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const fullConfig = `
[Clients.Discord]
bot_token = "discord-token"
guild_id = "987654321"

[Clients.Slack]
app_token = "xapp-1"
bot_token = "xoxb-1"

[Clients.CQHttp]

[[Hubs]]
name = "general"
keep_data = false

[Hubs.Discord]
channel_id = "111"

[Hubs.Slack]
channel_id = "C0AAAA"

[Hubs.CQHttp]
group_id = "222333"
`

func TestLoad_FullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, fullConfig))
	require.NoError(t, err)

	require.NotNil(t, cfg.Clients.Discord)
	assert.Equal(t, "discord-token", cfg.Clients.Discord.BotToken)
	assert.Equal(t, "987654321", cfg.Clients.Discord.GuildID)

	require.NotNil(t, cfg.Clients.CQHttp)
	assert.Equal(t, DefaultCQHttpWSURL, cfg.Clients.CQHttp.WSURL)
	assert.Equal(t, DefaultCQHttpHTTPURL, cfg.Clients.CQHttp.HTTPURL)

	require.Len(t, cfg.Hubs, 1)
	h := cfg.Hubs[0]
	assert.Equal(t, "general", h.Name)
	require.NotNil(t, h.KeepData)
	assert.False(t, *h.KeepData)
	require.NotNil(t, h.CQHttp)
	assert.Equal(t, "222333", h.CQHttp.GroupID)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[Clients.Discord]
bot_token = "x"
guild_id = "g"

[Clients.Slack]
app_token = "a"
bot_token = "b"

[[Hubs]]
[Hubs.Discord]
channel_id = "1"
[Hubs.Slack]
channel_id = "2"
`))
	require.NoError(t, err)

	h := cfg.Hubs[0]
	assert.Equal(t, "HUB-0", h.Name)
	require.NotNil(t, h.KeepData)
	assert.True(t, *h.KeepData, "keep_data defaults to true")

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("BYGEON_TEST_TOKEN", "secret-token")

	cfg, err := Load(writeConfig(t, `
[Clients.Discord]
bot_token = "${BYGEON_TEST_TOKEN}"
guild_id = "g"

[Clients.Slack]
app_token = "a"
bot_token = "b"

[[Hubs]]
[Hubs.Discord]
channel_id = "1"
[Hubs.Slack]
channel_id = "2"
`))
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cfg.Clients.Discord.BotToken)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			"missing discord token",
			`
[Clients.Discord]
guild_id = "g"
[[Hubs]]
[Hubs.Discord]
channel_id = "1"
`,
		},
		{
			"no hubs",
			`
[Clients.Slack]
app_token = "a"
bot_token = "b"
`,
		},
		{
			"hub references unconfigured client",
			`
[Clients.Slack]
app_token = "a"
bot_token = "b"
[[Hubs]]
[Hubs.Slack]
channel_id = "1"
[Hubs.Discord]
channel_id = "2"
`,
		},
		{
			"hub with single platform",
			`
[Clients.Slack]
app_token = "a"
bot_token = "b"
[[Hubs]]
[Hubs.Slack]
channel_id = "1"
`,
		},
		{
			"hub missing channel id",
			`
[Clients.Slack]
app_token = "a"
bot_token = "b"
[Clients.CQHttp]
[[Hubs]]
[Hubs.Slack]
channel_id = "1"
[Hubs.CQHttp]
group_id = ""
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
