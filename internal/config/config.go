// ABOUTME: Configuration loading and parsing for the bygeon bridge
// ABOUTME: TOML (bygeon.toml) with environment variable expansion

package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Config represents the complete bridge configuration: one optional client
// per platform, and one hub entry per bridged conversation.
type Config struct {
	Log     LogConfig     `toml:"Log"`
	Clients ClientsConfig `toml:"Clients"`
	Hubs    []HubConfig   `toml:"Hubs"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ClientsConfig holds per-connector credentials and endpoints. A nil entry
// means the platform is not configured and no connector is created for it.
type ClientsConfig struct {
	Discord *DiscordConfig `toml:"Discord"`
	Slack   *SlackConfig   `toml:"Slack"`
	CQHttp  *CQHttpConfig  `toml:"CQHttp"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	BotToken string `toml:"bot_token"`
	GuildID  string `toml:"guild_id"`
}

// SlackConfig holds Slack Socket Mode credentials. The app token opens the
// socket; the bot token authenticates Web API calls.
type SlackConfig struct {
	AppToken string `toml:"app_token"`
	BotToken string `toml:"bot_token"`
}

// CQHttpConfig holds OneBot/CQHttp gateway endpoints.
type CQHttpConfig struct {
	WSURL   string `toml:"ws_url"`
	HTTPURL string `toml:"http_url"`
}

// HubConfig describes one logical conversation and the remote channel each
// platform contributes to it.
type HubConfig struct {
	Name     string `toml:"name"`
	KeepData *bool  `toml:"keep_data"`

	Discord *HubDiscord `toml:"Discord"`
	Slack   *HubSlack   `toml:"Slack"`
	CQHttp  *HubCQHttp  `toml:"CQHttp"`
}

// HubDiscord selects the Discord channel participating in a hub.
type HubDiscord struct {
	ChannelID string `toml:"channel_id"`
}

// HubSlack selects the Slack channel participating in a hub.
type HubSlack struct {
	ChannelID string `toml:"channel_id"`
}

// HubCQHttp selects the QQ group participating in a hub.
type HubCQHttp struct {
	GroupID string `toml:"group_id"`
}

// Defaults applied when the config omits optional fields.
const (
	DefaultCQHttpWSURL   = "ws://localhost:8080/"
	DefaultCQHttpHTTPURL = "http://localhost:5700/"
)

// Load reads a TOML configuration file from the given path. Environment
// variables in the format ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in log settings, hub names (HUB-<index>), keep_data
// (true), and CQHttp endpoint defaults.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Clients.CQHttp != nil {
		if c.Clients.CQHttp.WSURL == "" {
			c.Clients.CQHttp.WSURL = DefaultCQHttpWSURL
		}
		if c.Clients.CQHttp.HTTPURL == "" {
			c.Clients.CQHttp.HTTPURL = DefaultCQHttpHTTPURL
		}
	}

	for i := range c.Hubs {
		if c.Hubs[i].Name == "" {
			c.Hubs[i].Name = fmt.Sprintf("HUB-%d", i)
		}
		if c.Hubs[i].KeepData == nil {
			keep := true
			c.Hubs[i].KeepData = &keep
		}
	}
}

// Validate checks that all required configuration fields are present and
// that hubs only reference configured clients. Returns an error describing
// the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Clients.Discord != nil {
		if c.Clients.Discord.BotToken == "" {
			return fmt.Errorf("Clients.Discord.bot_token is required")
		}
		if c.Clients.Discord.GuildID == "" {
			return fmt.Errorf("Clients.Discord.guild_id is required")
		}
	}
	if c.Clients.Slack != nil {
		if c.Clients.Slack.AppToken == "" {
			return fmt.Errorf("Clients.Slack.app_token is required")
		}
		if c.Clients.Slack.BotToken == "" {
			return fmt.Errorf("Clients.Slack.bot_token is required")
		}
	}

	if len(c.Hubs) == 0 {
		return fmt.Errorf("at least one [[Hubs]] entry is required")
	}

	for _, h := range c.Hubs {
		participants := 0
		if h.Discord != nil {
			if c.Clients.Discord == nil {
				return fmt.Errorf("hub %s references Discord but no Discord client is configured", h.Name)
			}
			if h.Discord.ChannelID == "" {
				return fmt.Errorf("hub %s: Discord.channel_id is required", h.Name)
			}
			participants++
		}
		if h.Slack != nil {
			if c.Clients.Slack == nil {
				return fmt.Errorf("hub %s references Slack but no Slack client is configured", h.Name)
			}
			if h.Slack.ChannelID == "" {
				return fmt.Errorf("hub %s: Slack.channel_id is required", h.Name)
			}
			participants++
		}
		if h.CQHttp != nil {
			if c.Clients.CQHttp == nil {
				return fmt.Errorf("hub %s references CQHttp but no CQHttp client is configured", h.Name)
			}
			if h.CQHttp.GroupID == "" {
				return fmt.Errorf("hub %s: CQHttp.group_id is required", h.Name)
			}
			participants++
		}
		if participants < 2 {
			return fmt.Errorf("hub %s needs at least two participating platforms", h.Name)
		}
	}

	return nil
}
