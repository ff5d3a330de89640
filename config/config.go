package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

var ErrInvalidConfig = errors.New("invalid config")

const (
	RoleAccessPoint = "ap"
	RoleStation     = "station"

	ErrorPolicyRetry     = "retry"
	ErrorPolicyTerminate = "terminate"
)

// Duration is a time.Duration which is stored as a human readable string ("100ms") in the config file
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Plain numbers are accepted as nanoseconds
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// Config represents the configuration of a twinlink node
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		Role   string `json:"role"`   // "ap" or "station"
		Device string `json:"device"` // Device name used in heartbeat messages
	} `json:"node"`

	Network struct {
		UDPListenAddress   string `json:"udp_listen"`
		TCPListenAddress   string `json:"tcp_listen"`
		AccessPointAddress string `json:"access_point"` // Fixed IP of the access point, used by the station
		UDPPort            int    `json:"udp_port"`
		TCPPort            int    `json:"tcp_port"`
	} `json:"network"`

	Registry struct {
		Capacity     int      `json:"capacity"`
		ExistsWait   Duration `json:"exists_wait"`
		AddWait      Duration `json:"add_wait"`
		SnapshotWait Duration `json:"snapshot_wait"`
	} `json:"registry"`

	Discovery struct {
		BufferSize        int      `json:"buffer_size"`
		ErrorPolicy       string   `json:"error_policy"` // "retry" or "terminate"
		RetryDelay        Duration `json:"retry_delay"`
		HeartbeatInterval Duration `json:"heartbeat_interval"`
		HeartbeatJitter   Duration `json:"heartbeat_jitter"`
	} `json:"discovery"`

	Stream struct {
		BufferSize        int      `json:"buffer_size"`
		HeartbeatInterval Duration `json:"heartbeat_interval"`
		ConnectTimeout    Duration `json:"connect_timeout"`
		ConnectBackoff    Duration `json:"connect_backoff"`
		ReconnectWindow   Duration `json:"reconnect_window"`
		AllowOverlap      bool     `json:"allow_overlap"`
		StartupDelay      Duration `json:"startup_delay"`
	} `json:"stream"`

	DataStore struct {
		PeerIndexPath string `json:"peers"`
	} `json:"datastore"`

	Telemetry struct {
		Enabled bool `json:"enabled"`
	} `json:"telemetry"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.Role = RoleAccessPoint
	cfg.Node.Device = "ESP32"

	cfg.Network.UDPListenAddress = ":8080"
	cfg.Network.TCPListenAddress = ":8081"
	cfg.Network.AccessPointAddress = "192.168.4.1"
	cfg.Network.UDPPort = 8080
	cfg.Network.TCPPort = 8081

	cfg.Registry.Capacity = 5
	cfg.Registry.ExistsWait = Duration(100 * time.Millisecond)
	cfg.Registry.AddWait = Duration(100 * time.Millisecond)
	cfg.Registry.SnapshotWait = Duration(50 * time.Millisecond)

	cfg.Discovery.BufferSize = 128
	cfg.Discovery.ErrorPolicy = ErrorPolicyRetry
	cfg.Discovery.RetryDelay = Duration(100 * time.Millisecond)
	cfg.Discovery.HeartbeatInterval = Duration(2 * time.Second)

	cfg.Stream.BufferSize = 128
	cfg.Stream.HeartbeatInterval = Duration(2 * time.Second)
	cfg.Stream.ConnectTimeout = Duration(5 * time.Second)
	cfg.Stream.ConnectBackoff = Duration(5 * time.Second)
	cfg.Stream.ReconnectWindow = Duration(10 * time.Second)

	cfg.DataStore.PeerIndexPath = "/tmp/twinlink/peers"

	cfg.Telemetry.Enabled = true

	return cfg
}

// NewStationConfig generates the default configuration of the station board
func NewStationConfig(configFile string) *Config {
	cfg := NewEmptyConfig(configFile)
	cfg.Node.Role = RoleStation
	cfg.Node.Device = "PICO"
	cfg.Discovery.ErrorPolicy = ErrorPolicyTerminate
	cfg.Stream.StartupDelay = Duration(3 * time.Second)
	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

// Validate checks the values which can't be silently defaulted
func (c *Config) Validate() error {
	switch c.Node.Role {
	case RoleAccessPoint, RoleStation:
	default:
		return fmt.Errorf("%w: node.role %q", ErrInvalidConfig, c.Node.Role)
	}

	switch c.Discovery.ErrorPolicy {
	case ErrorPolicyRetry, ErrorPolicyTerminate:
	default:
		return fmt.Errorf("%w: discovery.error_policy %q", ErrInvalidConfig, c.Discovery.ErrorPolicy)
	}

	if c.Registry.Capacity <= 0 {
		return fmt.Errorf("%w: registry.capacity must be positive, got %d", ErrInvalidConfig, c.Registry.Capacity)
	}

	// Buffers need room for at least one byte of payload
	if c.Discovery.BufferSize < 2 || c.Stream.BufferSize < 2 {
		return fmt.Errorf("%w: buffer sizes must be at least 2 bytes", ErrInvalidConfig)
	}

	if c.Discovery.HeartbeatJitter < 0 || c.Discovery.HeartbeatJitter >= c.Discovery.HeartbeatInterval {
		return fmt.Errorf("%w: discovery.heartbeat_jitter must be in [0, interval), got %v", ErrInvalidConfig, c.Discovery.HeartbeatJitter.D())
	}

	if c.Network.UDPPort < 1 || c.Network.UDPPort > 65535 {
		return fmt.Errorf("%w: network.udp_port %d is out of range", ErrInvalidConfig, c.Network.UDPPort)
	}
	if c.Network.TCPPort < 1 || c.Network.TCPPort > 65535 {
		return fmt.Errorf("%w: network.tcp_port %d is out of range", ErrInvalidConfig, c.Network.TCPPort)
	}

	if c.Node.Role == RoleStation && net.ParseIP(c.Network.AccessPointAddress) == nil {
		return fmt.Errorf("%w: network.access_point %q is not an IP address", ErrInvalidConfig, c.Network.AccessPointAddress)
	}

	return nil
}

// AccessPointUDP returns the address the station sends its UDP heartbeats to
func (c *Config) AccessPointUDP() string {
	return net.JoinHostPort(c.Network.AccessPointAddress, fmt.Sprint(c.Network.UDPPort))
}

// AccessPointTCP returns the address the station connects to
func (c *Config) AccessPointTCP() string {
	return net.JoinHostPort(c.Network.AccessPointAddress, fmt.Sprint(c.Network.TCPPort))
}

func (c *Config) File() string {
	return c.configFile
}
