package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var defaultServices = []string{
	"https://chatgpt.com/",
	"https://gemini.google.com/app",
}

type Config struct {
	Port              int
	Bind              string
	LogPath           string
	Scheme            string
	FlushInterval     time.Duration
	DrainSchedule     string
	Debounce          time.Duration
	NatsURL           string
	NatsToken         string
	DatabaseURL       string
	BackfillStatePath string
	ChromeDebuggerURL string
	Services          []string
	LogLevel          string
}

func Load() Config {
	return Config{
		Port:              envInt("ANYCHAT_PORT", 33445),
		Bind:              envStr("ANYCHAT_BIND", "127.0.0.1"),
		LogPath:           expandHome(envStr("ANYCHAT_LOG_PATH", "~/.anychat/captured_chats.jsonl")),
		Scheme:            strings.ToLower(envStr("ANYCHAT_SCHEME", "anychat")),
		FlushInterval:     envDuration("ANYCHAT_FLUSH_INTERVAL", 3*time.Second),
		DrainSchedule:     envStr("ANYCHAT_DRAIN_SCHEDULE", "@every 5s"),
		Debounce:          envDuration("ANYCHAT_DEBOUNCE", 750*time.Millisecond),
		NatsURL:           envStr("NATS_URL", ""),
		NatsToken:         envStr("NATS_TOKEN", ""),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		BackfillStatePath: expandHome(envStr("ANYCHAT_BACKFILL_STATE", "~/.anychat/mirror-backfill.json")),
		ChromeDebuggerURL: envStr("CHROME_DEBUGGER_URL", ""),
		Services:          envList("ANYCHAT_SERVICES", defaultServices),
		LogLevel:          envStr("LOG_LEVEL", "info"),
	}
}

// Addr is the listen address of the capture server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// BaseURL is the loopback URL pages use to reach the capture server.
func (c Config) BaseURL() string {
	host := c.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(c.Port)))
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
