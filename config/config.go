// Package config loads the TOML files read by rpcnode and rpcrelay.
//
//	channel   = "CommonChannel"
//	sender_id = "node-1"
//	log_level = "info"
//
//	[requests]
//	timeout = "5s"
//	rsvp    = true
//
//	[methods.slowly]
//	timeout = "30s"
//
//	[transport]
//	mode  = "listen"          # listen | dial | local | nsq
//	addr  = "127.0.0.1:7400"
//	codec = "json"
//
//	[etcd]
//	endpoints = ["127.0.0.1:2379"]
//
//	[http]
//	gateway_addr = "127.0.0.1:8080"
//	metrics_addr = "127.0.0.1:9090"
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chan-rpc/codec"
	"chan-rpc/loadbalance"
	"chan-rpc/logging"
	"chan-rpc/message"
	"chan-rpc/request"

	"github.com/BurntSushi/toml"
)

const (
	ModeListen = "listen"
	ModeDial   = "dial"
	ModeLocal  = "local"
	ModeNSQ    = "nsq"
)

type Config struct {
	Channel  string `toml:"channel"`
	SenderID string `toml:"sender_id"`
	LogLevel string `toml:"log_level"`
	LogDev   bool   `toml:"log_dev"`

	Requests RequestConfig            `toml:"requests"`
	Methods  map[string]RequestConfig `toml:"methods"`

	Transport TransportConfig `toml:"transport"`
	NSQ       NSQConfig       `toml:"nsq"`
	Etcd      EtcdConfig      `toml:"etcd"`
	HTTP      HTTPConfig      `toml:"http"`
	Relay     RelayConfig     `toml:"relay"`
	Limits    LimitsConfig    `toml:"limits"`
}

// RequestConfig mirrors request.Opts; unset keys inherit.
type RequestConfig struct {
	Timeout *time.Duration `toml:"timeout"`
	Rsvp    *bool          `toml:"rsvp"`
}

func (c RequestConfig) Opts() request.Opts {
	return request.Opts{Timeout: c.Timeout, Rsvp: c.Rsvp}
}

type TransportConfig struct {
	Mode      string        `toml:"mode"`
	Addr      string        `toml:"addr"`
	Codec     string        `toml:"codec"`
	Heartbeat time.Duration `toml:"heartbeat"`
	Fanout    bool          `toml:"fanout"`
	Balancer  string        `toml:"balancer"`
	EventName string        `toml:"event_name"`
}

type NSQConfig struct {
	Topic   string   `toml:"topic"`
	NSQD    string   `toml:"nsqd"`
	Lookupd []string `toml:"lookupd"`
}

type EtcdConfig struct {
	Endpoints   []string      `toml:"endpoints"`
	DialTimeout time.Duration `toml:"dial_timeout"`
	TTL         int64         `toml:"ttl"`
}

func (e EtcdConfig) Enabled() bool { return len(e.Endpoints) > 0 }

type HTTPConfig struct {
	GatewayAddr string `toml:"gateway_addr"`
	MetricsAddr string `toml:"metrics_addr"`
}

// RelayConfig drives rpcrelay: two stream transports bridged together.
type RelayConfig struct {
	ID    string          `toml:"id"`
	Left  TransportConfig `toml:"left"`
	Right TransportConfig `toml:"right"`
}

// LimitsConfig bounds incoming dispatch. Zero values disable a limit.
type LimitsConfig struct {
	HandlerTimeout time.Duration `toml:"handler_timeout"`
	RatePerSecond  float64       `toml:"rate_per_second"`
	Burst          int           `toml:"burst"`
	Retries        int           `toml:"retries"`
	RetryDelay     time.Duration `toml:"retry_delay"`
	DedupSize      int           `toml:"dedup_size"`
	DedupTTL       time.Duration `toml:"dedup_ttl"`
}

// Default returns the configuration used for keys a file leaves unset.
func Default() Config {
	return Config{
		Channel:  message.DefaultChannel,
		LogLevel: "info",
		Transport: TransportConfig{
			Mode:     ModeListen,
			Addr:     "127.0.0.1:7400",
			Codec:    "json",
			Fanout:   true,
			Balancer: "roundrobin",
		},
		NSQ: NSQConfig{
			Topic: "chan-rpc",
			NSQD:  "127.0.0.1:4150",
		},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Channel) == "" {
		return errors.New("channel is required")
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := validateRequest("requests", cfg.Requests); err != nil {
		return err
	}
	for name, m := range cfg.Methods {
		if err := validateRequest("methods."+name, m); err != nil {
			return err
		}
	}
	if err := validateTransport("transport", cfg.Transport, cfg.Etcd.Enabled()); err != nil {
		return err
	}
	if cfg.Transport.Mode == ModeNSQ {
		if strings.TrimSpace(cfg.NSQ.Topic) == "" {
			return errors.New("nsq.topic is required")
		}
		if strings.TrimSpace(cfg.NSQ.NSQD) == "" {
			return errors.New("nsq.nsqd is required")
		}
	}
	if cfg.Etcd.Enabled() && cfg.Etcd.TTL <= 0 {
		return errors.New("etcd.ttl must be positive")
	}
	if cfg.Limits.RatePerSecond < 0 || cfg.Limits.Burst < 0 || cfg.Limits.Retries < 0 {
		return errors.New("limits must not be negative")
	}
	if cfg.Limits.RatePerSecond > 0 && cfg.Limits.Burst == 0 {
		return errors.New("limits.burst is required with limits.rate_per_second")
	}
	return nil
}

// ValidateRelay checks the sections rpcrelay needs.
func ValidateRelay(cfg Config) error {
	if err := validateTransport("relay.left", cfg.Relay.Left, cfg.Etcd.Enabled()); err != nil {
		return err
	}
	if err := validateTransport("relay.right", cfg.Relay.Right, cfg.Etcd.Enabled()); err != nil {
		return err
	}
	return nil
}

func validateRequest(section string, r RequestConfig) error {
	if r.Timeout != nil && *r.Timeout < 0 {
		return fmt.Errorf("%s.timeout must not be negative", section)
	}
	return nil
}

func validateTransport(section string, t TransportConfig, discovery bool) error {
	if _, err := codec.ParseCodecType(t.Codec); err != nil {
		return fmt.Errorf("%s.codec: %w", section, err)
	}
	if _, err := loadbalance.New(t.Balancer, ""); err != nil {
		return fmt.Errorf("%s.balancer: %w", section, err)
	}
	switch t.Mode {
	case ModeListen:
		if strings.TrimSpace(t.Addr) == "" {
			return fmt.Errorf("%s.addr is required to listen", section)
		}
	case ModeDial:
		if strings.TrimSpace(t.Addr) == "" && !discovery {
			return fmt.Errorf("%s.addr is required to dial without etcd", section)
		}
	case ModeLocal, ModeNSQ:
	default:
		return fmt.Errorf("%s.mode %q: want listen, dial, local or nsq", section, t.Mode)
	}
	return nil
}
