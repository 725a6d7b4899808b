package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nicebartender/chat-relay/admincache"
	"github.com/nicebartender/chat-relay/brain"
	"github.com/nicebartender/chat-relay/dispatch"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	ListenAddr       string
	DBPath           string
	BridgeURL        string
	BridgeToken      string
	BrainURL         string
	BrainTimeout     time.Duration
	DispatchInterval time.Duration
	DispatchCap      int
	AdminTTL         time.Duration
	LogLevel         slog.Level
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("addr", ":8090")
	v.SetDefault("db", "relay.db")
	v.SetDefault("bridge.url", "ws://127.0.0.1:8765")
	v.SetDefault("bridge.token", "")
	v.SetDefault("brain.url", brain.DefaultURL)
	v.SetDefault("brain.timeout", brain.DefaultTimeout)
	v.SetDefault("dispatch.interval", dispatch.DefaultInterval)
	v.SetDefault("dispatch.cap", dispatch.DefaultLimit)
	v.SetDefault("admins.ttl", admincache.DefaultTTL)
	v.SetDefault("log.level", "info")

	// Railway, Render, etc. set PORT; the decision service has always been
	// configured through PY_URL.
	v.BindEnv("addr", "RELAY_ADDR", "PORT")
	v.BindEnv("brain.url", "RELAY_BRAIN_URL", "PY_URL")
	return v
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	flags.String("addr", ":8090", "Health listen address")
	flags.String("db", "relay.db", "SQLite database path")
	flags.String("bridge-url", "ws://127.0.0.1:8765", "Protocol bridge websocket URL")
	flags.String("bridge-token", "", "Protocol bridge auth token")
	flags.String("brain-url", brain.DefaultURL, "Decision service endpoint")
	flags.Duration("brain-timeout", brain.DefaultTimeout, "Decision service request timeout")
	flags.Duration("dispatch-interval", dispatch.DefaultInterval, "Rolling window for outbound actions")
	flags.Int("dispatch-cap", dispatch.DefaultLimit, "Outbound actions allowed per window")
	flags.Duration("admins-ttl", admincache.DefaultTTL, "Group admin cache lifetime")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for key, name := range map[string]string{
		"addr":              "addr",
		"db":                "db",
		"bridge.url":        "bridge-url",
		"bridge.token":      "bridge-token",
		"brain.url":         "brain-url",
		"brain.timeout":     "brain-timeout",
		"dispatch.interval": "dispatch-interval",
		"dispatch.cap":      "dispatch-cap",
		"admins.ttl":        "admins-ttl",
		"log.level":         "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// LoadConfig resolves flags, RELAY_* environment and the optional config
// file into a Config.
func LoadConfig(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := Config{
		ListenAddr:       listenAddr(v.GetString("addr")),
		DBPath:           v.GetString("db"),
		BridgeURL:        v.GetString("bridge.url"),
		BridgeToken:      v.GetString("bridge.token"),
		BrainURL:         v.GetString("brain.url"),
		BrainTimeout:     v.GetDuration("brain.timeout"),
		DispatchInterval: v.GetDuration("dispatch.interval"),
		DispatchCap:      v.GetInt("dispatch.cap"),
		AdminTTL:         v.GetDuration("admins.ttl"),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
		return Config{}, fmt.Errorf("log level: %w", err)
	}
	if cfg.DispatchCap <= 0 {
		return Config{}, fmt.Errorf("dispatch cap must be positive, got %d", cfg.DispatchCap)
	}
	return cfg, nil
}

// listenAddr turns a bare port such as PORT=8080 into ":8080".
func listenAddr(addr string) string {
	if addr != "" && !strings.Contains(addr, ":") {
		return ":" + addr
	}
	return addr
}
