// ABOUTME: Entry point for the bygeon bridge daemon
// ABOUTME: Wires configured connectors into hubs and runs until signaled

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/bygeon/bygeon/internal/config"
	"github.com/bygeon/bygeon/internal/connector"
	"github.com/bygeon/bygeon/internal/connector/cqhttp"
	"github.com/bygeon/bygeon/internal/connector/discord"
	"github.com/bygeon/bygeon/internal/connector/slack"
	"github.com/bygeon/bygeon/internal/hub"
)

// Version is set at build time via -ldflags.
var version = "dev"

const banner = `
 _
| |__  _   _  __ _  ___  ___  _ __
| '_ \| | | |/ _' |/ _ \/ _ \| '_ \
| |_) | |_| | (_| |  __/ (_) | | | |
|_.__/ \__, |\__, |\___|\___/|_| |_|
       |___/ |___/
`

// getConfigPath returns the path to the bridge config file.
// Priority: BYGEON_CONFIG env var > ./bygeon.toml
func getConfigPath() string {
	if envPath := os.Getenv("BYGEON_CONFIG"); envPath != "" {
		return envPath
	}
	return "bygeon.toml"
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", configPath)

	// One connector per configured platform, shared by every hub.
	connectors := map[string]connector.Connector{}
	if cfg.Clients.Discord != nil {
		d := discord.New(cfg.Clients.Discord.BotToken, cfg.Clients.Discord.GuildID)
		connectors[d.Name()] = d
	}
	if cfg.Clients.Slack != nil {
		s := slack.New(cfg.Clients.Slack.AppToken, cfg.Clients.Slack.BotToken)
		connectors[s.Name()] = s
	}
	if cfg.Clients.CQHttp != nil {
		c := cqhttp.New(cfg.Clients.CQHttp.WSURL, cfg.Clients.CQHttp.HTTPURL)
		connectors[c.Name()] = c
	}

	hubs := make([]*hub.Hub, 0, len(cfg.Hubs))
	for _, hc := range cfg.Hubs {
		h := hub.New(hc.Name)

		type participant struct {
			platform  string
			channelID string
		}
		var parts []participant
		if hc.Discord != nil {
			parts = append(parts, participant{"Discord", hc.Discord.ChannelID})
		}
		if hc.Slack != nil {
			parts = append(parts, participant{"Slack", hc.Slack.ChannelID})
		}
		if hc.CQHttp != nil {
			parts = append(parts, participant{"CQHttp", hc.CQHttp.GroupID})
		}

		channels := make([]string, 0, len(parts))
		for _, p := range parts {
			c := connectors[p.platform]
			if err := h.Link(c, p.channelID); err != nil {
				return fmt.Errorf("linking hub %s: %w", hc.Name, err)
			}
			c.AddHub(p.channelID, h)
			channels = append(channels, fmt.Sprintf("%s:%s", p.platform, p.channelID))
		}

		if err := h.Init(*hc.KeepData); err != nil {
			return fmt.Errorf("initializing hub %s: %w", hc.Name, err)
		}
		hubs = append(hubs, h)

		green.Print("    ▶ ")
		fmt.Printf("Hub %s: %s\n", hc.Name, strings.Join(channels, " ⇄ "))
	}
	fmt.Println()

	logger.Info("starting bygeon",
		"config", configPath,
		"connectors", len(connectors),
		"hubs", len(hubs),
	)

	for name, c := range connectors {
		if err := c.Start(); err != nil {
			return fmt.Errorf("starting %s connector: %w", name, err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	for _, h := range hubs {
		if err := h.Close(); err != nil {
			logger.Warn("closing hub failed", "hub", h.Name(), "error", err)
		}
	}
	return nil
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
