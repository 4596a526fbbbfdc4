package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

const (
	envIdentity          = "YACALL_IDENTITY"
	envRelayURL          = "YACALL_RELAY_URL"
	envRelayKind         = "YACALL_RELAY"
	envListenAddr        = "YACALL_LISTEN_ADDR"
	envGossipListen      = "YACALL_GOSSIP_LISTEN"
	envGossipPeers       = "YACALL_GOSSIP_PEERS"
	envSTUNURLs          = "YACALL_STUN_URLS"
	envTURNURLs          = "YACALL_TURN_URLS"
	envTURNUsername      = "YACALL_TURN_USERNAME"
	envTURNCredential    = "YACALL_TURN_CREDENTIAL"
	envAckTimeout        = "YACALL_ACK_TIMEOUT"
	envUnsubscribeGrace  = "YACALL_UNSUBSCRIBE_GRACE"
	envHeartbeatInterval = "YACALL_HEARTBEAT_INTERVAL"
	envBusyPolicy        = "YACALL_BUSY_POLICY"
	envQueueDepth        = "YACALL_QUEUE_DEPTH"
	envDatabasePath      = "YACALL_DB"
	envLogLevel          = "YACALL_LOG_LEVEL"
	envLogFormat         = "YACALL_LOG_FORMAT"
)

// Default configuration values
const (
	DefaultRelayURL          = "ws://127.0.0.1:8080/ws"
	DefaultRelayKind         = RelayWebSocket
	DefaultListenAddr        = ":8080"
	DefaultGossipListen      = "/ip4/0.0.0.0/tcp/4001"
	DefaultSTUN              = "stun:stun.l.google.com:19302"
	DefaultAckTimeout        = 5 * time.Second
	DefaultUnsubscribeGrace  = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBusyPolicy        = "decline"
	DefaultQueueDepth        = 3
	DefaultDatabasePath      = "yacall.db"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"
)

type RelayKind string

const (
	RelayWebSocket RelayKind = "ws"
	RelayMemory    RelayKind = "memory"
	RelayGossip    RelayKind = "gossip"
)

type TURNServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Config holds application configuration
type Config struct {
	Identity  string    `yaml:"identity"`
	RelayURL  string    `yaml:"relay_url"`
	RelayKind RelayKind `yaml:"relay"`

	// ListenAddr is where cmd/server serves the relay.
	ListenAddr string `yaml:"listen_addr"`

	GossipListen []string `yaml:"gossip_listen"`
	GossipPeers  []string `yaml:"gossip_peers"`

	STUNURLs []string   `yaml:"stun_urls"`
	TURN     TURNServer `yaml:"turn"`

	AckTimeout        time.Duration `yaml:"ack_timeout"`
	UnsubscribeGrace  time.Duration `yaml:"unsubscribe_grace"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	BusyPolicy string `yaml:"busy_policy"`
	QueueDepth int    `yaml:"queue_depth"`

	DatabasePath string `yaml:"database"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Options for loading config with CLI flag overrides. Zero values are unset.
type Options struct {
	File       string
	Identity   string
	RelayURL   string
	RelayKind  string
	ListenAddr string
	Peers      []string
	BusyPolicy string
	Database   string
	LogLevel   string
	LogFormat  string
}

func Defaults() Config {
	return Config{
		RelayURL:          DefaultRelayURL,
		RelayKind:         DefaultRelayKind,
		ListenAddr:        DefaultListenAddr,
		GossipListen:      []string{DefaultGossipListen},
		STUNURLs:          []string{DefaultSTUN},
		AckTimeout:        DefaultAckTimeout,
		UnsubscribeGrace:  DefaultUnsubscribeGrace,
		HeartbeatInterval: DefaultHeartbeatInterval,
		BusyPolicy:        DefaultBusyPolicy,
		QueueDepth:        DefaultQueueDepth,
		DatabasePath:      DefaultDatabasePath,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. YAML file named by Options.File
// 4. Defaults - lowest priority
func Load(opts Options) (Config, error) {
	return load(os.LookupEnv, opts)
}

func load(lookup func(string) (string, bool), opts Options) (Config, error) {
	cfg := Defaults()

	if opts.File != "" {
		raw, err := os.ReadFile(opts.File)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", opts.File, err)
		}
	}

	if err := applyEnv(lookup, &cfg); err != nil {
		return Config{}, err
	}
	applyOptions(opts, &cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(lookup func(string) (string, bool), cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = splitList(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str(envIdentity, &cfg.Identity)
	str(envRelayURL, &cfg.RelayURL)
	if v, ok := lookup(envRelayKind); ok && strings.TrimSpace(v) != "" {
		cfg.RelayKind = RelayKind(strings.ToLower(strings.TrimSpace(v)))
	}
	str(envListenAddr, &cfg.ListenAddr)
	list(envGossipListen, &cfg.GossipListen)
	list(envGossipPeers, &cfg.GossipPeers)
	list(envSTUNURLs, &cfg.STUNURLs)
	list(envTURNURLs, &cfg.TURN.URLs)
	str(envTURNUsername, &cfg.TURN.Username)
	str(envTURNCredential, &cfg.TURN.Credential)
	str(envBusyPolicy, &cfg.BusyPolicy)
	str(envDatabasePath, &cfg.DatabasePath)
	str(envLogLevel, &cfg.LogLevel)
	str(envLogFormat, &cfg.LogFormat)

	if err := dur(envAckTimeout, &cfg.AckTimeout); err != nil {
		return err
	}
	if err := dur(envUnsubscribeGrace, &cfg.UnsubscribeGrace); err != nil {
		return err
	}
	if err := dur(envHeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return err
	}

	if v, ok := lookup(envQueueDepth); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", envQueueDepth, err)
		}
		cfg.QueueDepth = n
	}
	return nil
}

func applyOptions(opts Options, cfg *Config) {
	if opts.Identity != "" {
		cfg.Identity = opts.Identity
	}
	if opts.RelayURL != "" {
		cfg.RelayURL = opts.RelayURL
	}
	if opts.RelayKind != "" {
		cfg.RelayKind = RelayKind(strings.ToLower(opts.RelayKind))
	}
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}
	if len(opts.Peers) > 0 {
		cfg.GossipPeers = opts.Peers
	}
	if opts.BusyPolicy != "" {
		cfg.BusyPolicy = opts.BusyPolicy
	}
	if opts.Database != "" {
		cfg.DatabasePath = opts.Database
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error

	switch c.RelayKind {
	case RelayWebSocket:
		u, err := url.Parse(c.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errs = append(errs, fmt.Errorf("relay url %q must be ws:// or wss://", c.RelayURL))
		}
	case RelayMemory, RelayGossip:
	default:
		errs = append(errs, fmt.Errorf("unknown relay %q (want ws, memory or gossip)", c.RelayKind))
	}

	if c.AckTimeout <= 0 {
		errs = append(errs, errors.New("ack timeout must be positive"))
	}
	if c.UnsubscribeGrace < 0 {
		errs = append(errs, errors.New("unsubscribe grace must not be negative"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("heartbeat interval must be positive"))
	}

	switch c.BusyPolicy {
	case "decline":
	case "queue":
		if c.QueueDepth <= 0 {
			errs = append(errs, errors.New("queue depth must be positive with the queue busy policy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown busy policy %q (want decline or queue)", c.BusyPolicy))
	}

	if len(c.TURN.URLs) > 0 && (c.TURN.Username == "" || c.TURN.Credential == "") {
		errs = append(errs, errors.New("turn servers need a username and credential"))
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (want console or json)", c.LogFormat))
	}

	return errors.Join(errs...)
}

// ICEServers returns the STUN and TURN servers for the pion engine.
func (c Config) ICEServers() []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(c.STUNURLs) > 0 {
		out = append(out, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	if len(c.TURN.URLs) > 0 {
		out = append(out, webrtc.ICEServer{
			URLs:       c.TURN.URLs,
			Username:   c.TURN.Username,
			Credential: c.TURN.Credential,
		})
	}
	return out
}
