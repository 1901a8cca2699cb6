package rbtp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Protocol defaults.
const (
	// DefaultTimeout is the poll interval of both worker loops. Retransmission
	// happens at most once per 2*Timeout and ACKs are flushed every Timeout/2.
	DefaultTimeout = 200 * time.Millisecond

	// DefaultMaxConsecutiveTimeouts is how many empty ACK polls with data
	// outstanding the sender tolerates before declaring the link dead.
	DefaultMaxConsecutiveTimeouts = 100

	// DefaultHandshakeRetries bounds how often a handshake packet is resent.
	DefaultHandshakeRetries = 25

	// DefaultLingerPolls is the number of empty polls spent in TIMED_WAIT.
	DefaultLingerPolls = 20

	// DefaultMaxWindow is the receive window advertised to peers.
	DefaultMaxWindow = 50000

	// DefaultBufferSize is the size of the send and receive buffers.
	DefaultBufferSize = 1 << 20

	// DefaultInboundQueueSize is the capacity of the per-connection inbound
	// packet queue. Packets arriving at a full queue are dropped.
	DefaultInboundQueueSize = 1024

	// DefaultAcceptBacklog is the number of established connections a
	// listener holds before Accept picks them up.
	DefaultAcceptBacklog = 32
)

// Config holds the tunables of a connection and of the listeners that
// spawn connections. Durations in YAML use Go duration syntax ("200ms").
type Config struct {
	Timeout                time.Duration `yaml:"timeout"`
	MaxPayloadSize         int           `yaml:"max_payload_size"`
	MaxConsecutiveTimeouts int           `yaml:"max_consecutive_timeouts"`
	HandshakeRetries       int           `yaml:"handshake_retries"`
	LingerPolls            int           `yaml:"linger_polls"`

	// Difficulty is demanded from connecting clients by listeners.
	Difficulty uint8 `yaml:"difficulty"`

	MaxWindow         int `yaml:"max_window"`
	SendBufferSize    int `yaml:"send_buffer_size"`
	ReceiveBufferSize int `yaml:"receive_buffer_size"`
	InboundQueueSize  int `yaml:"inbound_queue_size"`
	AcceptBacklog     int `yaml:"accept_backlog"`

	Limits *ConnectionLimitsConfig `yaml:"limits"`
	Access *AccessListConfig       `yaml:"access"`
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:                DefaultTimeout,
		MaxPayloadSize:         MaxPayloadSize,
		MaxConsecutiveTimeouts: DefaultMaxConsecutiveTimeouts,
		HandshakeRetries:       DefaultHandshakeRetries,
		LingerPolls:            DefaultLingerPolls,
		Difficulty:             DefaultDifficulty,
		MaxWindow:              DefaultMaxWindow,
		SendBufferSize:         DefaultBufferSize,
		ReceiveBufferSize:      DefaultBufferSize,
		InboundQueueSize:       DefaultInboundQueueSize,
		AcceptBacklog:          DefaultAcceptBacklog,
		Limits:                 DefaultConnectionLimitsConfig(),
		Access:                 DefaultAccessListConfig(),
	}
}

// Validate rejects configurations the protocol cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Timeout <= 0:
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	case c.MaxPayloadSize <= 0 || c.MaxPayloadSize > 0xFFFF-HeaderSize:
		return fmt.Errorf("max payload size %d out of range", c.MaxPayloadSize)
	case c.MaxConsecutiveTimeouts <= 0:
		return fmt.Errorf("max consecutive timeouts must be positive")
	case c.HandshakeRetries <= 0:
		return fmt.Errorf("handshake retries must be positive")
	case c.LingerPolls <= 0:
		return fmt.Errorf("linger polls must be positive")
	case c.Difficulty > MaxDifficulty:
		return fmt.Errorf("difficulty %d exceeds %d", c.Difficulty, MaxDifficulty)
	case c.MaxWindow <= 0:
		return fmt.Errorf("max window must be positive")
	case c.ReceiveBufferSize < c.MaxWindow:
		return fmt.Errorf("receive buffer %d smaller than max window %d", c.ReceiveBufferSize, c.MaxWindow)
	case c.SendBufferSize <= 0:
		return fmt.Errorf("send buffer size must be positive")
	case c.InboundQueueSize <= 0:
		return fmt.Errorf("inbound queue size must be positive")
	case c.AcceptBacklog <= 0:
		return fmt.Errorf("accept backlog must be positive")
	case c.Limits != nil && c.Limits.MaxHalfOpen < 0:
		return fmt.Errorf("max half-open must not be negative")
	}
	return nil
}

// ParseConfig decodes YAML on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Limits == nil {
		cfg.Limits = DefaultConnectionLimitsConfig()
	}
	if cfg.Access == nil {
		cfg.Access = DefaultAccessListConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

func (c *Config) orDefault() *Config {
	if c == nil {
		return DefaultConfig()
	}
	return c
}
