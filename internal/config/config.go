// Package config loads and validates the meshbridge YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds accepted by the "transport" key.
const (
	TransportSerial = "serial"
	TransportBLE    = "ble"
	TransportTCP    = "tcp"
)

// Defaults mirror the stock node firmware and companion apps.
const (
	DefaultBaudRate       = 115200
	DefaultTCPPort        = 5000
	DefaultListenAddr     = ":8420"
	DefaultHistoryLimit   = 50
	DefaultDedupWindow    = 512
	DefaultCommandTimeout = 10 * time.Second

	DefaultMessagesInterval     = 10 * time.Second
	DefaultDeviceInfoInterval   = 60 * time.Second
	DefaultRepeaterInterval     = 300 * time.Second
	DefaultContactStaleAfter    = 12 * time.Hour
	DefaultReconnectInitial     = 2 * time.Second
	DefaultReconnectMax         = 60 * time.Second
)

// SerialConfig holds USB-serial connection parameters.
type SerialConfig struct {
	Path string `yaml:"path"`
	Baud int    `yaml:"baud"`
}

// BLEConfig holds Bluetooth LE connection parameters.
// PIN pairing is not supported over proxied Bluetooth; setting PIN on such
// a link surfaces a distinct connection error rather than failing silently.
type BLEConfig struct {
	Address string `yaml:"address"`
	PIN     string `yaml:"pin"`
}

// TCPConfig holds TCP connection parameters.
type TCPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Intervals configures the three independent polling cadences.
type Intervals struct {
	Messages      time.Duration `yaml:"messages"`
	DeviceInfo    time.Duration `yaml:"device_info"`
	RepeaterStats time.Duration `yaml:"repeater_stats"`
}

// Reconnect configures the exponential backoff used after a link drop.
// MaxAttempts of zero means retry forever.
type Reconnect struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// RepeaterLogin is one configured repeater subscription. An empty password
// performs a guest login.
type RepeaterLogin struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
}

// Config is the full daemon configuration.
type Config struct {
	Transport string       `yaml:"transport"`
	Serial    SerialConfig `yaml:"serial"`
	BLE       BLEConfig    `yaml:"ble"`
	TCP       TCPConfig    `yaml:"tcp"`

	Intervals Intervals `yaml:"intervals"`
	Reconnect Reconnect `yaml:"reconnect"`

	CommandTimeout    time.Duration   `yaml:"command_timeout"`
	ContactStaleAfter time.Duration   `yaml:"contact_stale_after"`
	HistoryLimit      int             `yaml:"history_limit"`
	DedupWindow       int             `yaml:"dedup_window"`
	Repeaters         []RepeaterLogin `yaml:"repeaters"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	API struct {
		ListenAddr string `yaml:"listen"`
	} `yaml:"api"`
}

// Default returns a Config populated with all defaults and a TCP transport.
func Default() *Config {
	cfg := &Config{
		Transport: TransportTCP,
		Serial:    SerialConfig{Baud: DefaultBaudRate},
		TCP:       TCPConfig{Host: "127.0.0.1", Port: DefaultTCPPort},
		Intervals: Intervals{
			Messages:      DefaultMessagesInterval,
			DeviceInfo:    DefaultDeviceInfoInterval,
			RepeaterStats: DefaultRepeaterInterval,
		},
		Reconnect: Reconnect{
			Initial: DefaultReconnectInitial,
			Max:     DefaultReconnectMax,
		},
		CommandTimeout:    DefaultCommandTimeout,
		ContactStaleAfter: DefaultContactStaleAfter,
		HistoryLimit:      DefaultHistoryLimit,
		DedupWindow:       DefaultDedupWindow,
	}
	cfg.Storage.Path = "meshbridge.db"
	cfg.API.ListenAddr = DefaultListenAddr
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportSerial:
		if c.Serial.Path == "" {
			return fmt.Errorf("config: serial transport requires serial.path")
		}
		if c.Serial.Baud <= 0 {
			return fmt.Errorf("config: serial.baud must be positive, got %d", c.Serial.Baud)
		}
	case TransportBLE:
		if c.BLE.Address == "" {
			return fmt.Errorf("config: ble transport requires ble.address")
		}
	case TransportTCP:
		if c.TCP.Host == "" {
			return fmt.Errorf("config: tcp transport requires tcp.host")
		}
		if c.TCP.Port <= 0 || c.TCP.Port > 65535 {
			return fmt.Errorf("config: tcp.port out of range: %d", c.TCP.Port)
		}
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}

	for _, iv := range []struct {
		name string
		d    time.Duration
	}{
		{"intervals.messages", c.Intervals.Messages},
		{"intervals.device_info", c.Intervals.DeviceInfo},
		{"intervals.repeater_stats", c.Intervals.RepeaterStats},
		{"command_timeout", c.CommandTimeout},
		{"contact_stale_after", c.ContactStaleAfter},
	} {
		if iv.d <= 0 {
			return fmt.Errorf("config: %s must be positive", iv.name)
		}
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("config: history_limit must be positive")
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("config: dedup_window must be positive")
	}
	return nil
}
