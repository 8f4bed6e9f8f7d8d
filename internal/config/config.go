// Package config loads server configuration from an optional YAML file,
// environment variables, and defaults, using viper. A subset of fields can
// be hot-reloaded at runtime via fsnotify; everything else only takes
// effect on the next restart.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const defaultConfigName = "config"

// Config is the full set of knobs the relay server accepts, beyond the
// positional port argument inherited from the original command line.
type Config struct {
	AdminAddr  string
	MOTDURL    string
	Autolag    bool
	MQTTBroker string
	LogPath    string

	WebsocketBridge bool
	WebsocketAddr   string
}

// Load reads config.yaml from "." or "config/" if present, then env vars
// prefixed NETPLAY_RELAY_, then defaults. A missing config file is not an
// error: every field has a usable default.
func Load() (Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvPrefix("NETPLAY_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("admin.addr", "")
	v.SetDefault("motd.url", "")
	v.SetDefault("autolag.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("log.path", "")
	v.SetDefault("websocket.enabled", false)
	v.SetDefault("websocket.addr", ":45001")

	_ = v.ReadInConfig()

	cfg := fromViper(v)
	return cfg, v, nil
}

func fromViper(v *viper.Viper) Config {
	return Config{
		AdminAddr:       v.GetString("admin.addr"),
		MOTDURL:         v.GetString("motd.url"),
		Autolag:         v.GetBool("autolag.enabled"),
		MQTTBroker:      v.GetString("mqtt.broker"),
		LogPath:         v.GetString("log.path"),
		WebsocketBridge: v.GetBool("websocket.enabled"),
		WebsocketAddr:   v.GetString("websocket.addr"),
	}
}

// Watcher tracks the runtime-reloadable subset of Config: autolag and the
// websocket bridge toggle. Everything else (ports, MQTT broker, log path)
// only takes effect on process restart, since changing them live would mean
// tearing down a listener or log sink mid-game.
type Watcher struct {
	mu      sync.RWMutex
	autolag bool
	ws      bool
}

// NewWatcher seeds the watcher from cfg and, if v came from an actual file
// on disk, subscribes to viper's fsnotify-backed OnConfigChange.
func NewWatcher(cfg Config, v *viper.Viper, onChange func(Config)) *Watcher {
	w := &Watcher{autolag: cfg.Autolag, ws: cfg.WebsocketBridge}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated := fromViper(v)
		w.mu.Lock()
		w.autolag = updated.Autolag
		w.ws = updated.WebsocketBridge
		w.mu.Unlock()
		if onChange != nil {
			onChange(updated)
		}
	})
	v.WatchConfig()

	return w
}

// Autolag reports the current live value of autolag.enabled.
func (w *Watcher) Autolag() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.autolag
}

// WebsocketBridge reports the current live value of websocket.enabled.
func (w *Watcher) WebsocketBridge() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ws
}

// Validate rejects configuration combinations that can never work, so a bad
// config is reported before anything tries to bind a socket or connect to a
// broker.
func Validate(cfg Config) error {
	if cfg.WebsocketBridge && cfg.WebsocketAddr == "" {
		return fmt.Errorf("websocket.enabled is true but websocket.addr is empty")
	}
	return nil
}
