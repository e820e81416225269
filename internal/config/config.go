// Package config loads armctl settings through viper: defaults, an optional
// YAML file and ARMCTL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mil-ad/armctl/internal/logging"
	"github.com/mil-ad/armctl/internal/store"
	"github.com/spf13/viper"
)

// Transports accepted in the "transport" key.
const (
	TransportBluez  = "bluez"
	TransportSerial = "serial"
)

// DeviceConfig is a known arm, so it can be addressed by name.
type DeviceConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"`
}

type Config struct {
	Transport string         `mapstructure:"transport"`
	Bluez     BluezConfig    `mapstructure:"bluez"`
	Serial    SerialConfig   `mapstructure:"serial"`
	Log       LogConfig      `mapstructure:"log"`
	Daemon    DaemonConfig   `mapstructure:"daemon"`
	Store     StoreConfig    `mapstructure:"store"`
	Devices   []DeviceConfig `mapstructure:"devices"`
}

type BluezConfig struct {
	Adapter string `mapstructure:"adapter"` // e.g. hci0
	// SerialOnly hides discovered devices that do not offer the serial port profile.
	SerialOnly bool `mapstructure:"serial_only"`
}

type SerialConfig struct {
	Baud int `mapstructure:"baud"`
	// Prefix filters the port list during discovery.
	Prefix string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"` // empty logs to stderr
}

type DaemonConfig struct {
	Socket string `mapstructure:"socket"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// Dir returns $XDG_CONFIG_HOME/armctl.
func Dir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "armctl")
}

// SocketPath returns the default daemon socket under $XDG_RUNTIME_DIR.
func SocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "armctl.sock")
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport: TransportBluez,
		Bluez:     BluezConfig{Adapter: "hci0"},
		Serial:    SerialConfig{Baud: 9600, Prefix: "/dev/rfcomm"},
		Log:       LogConfig{Level: logging.LevelInfo},
		Daemon:    DaemonConfig{Socket: SocketPath()},
		Store:     StoreConfig{Path: store.DefaultPath()},
	}
}

// SetDefaults registers Default() with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("transport", d.Transport)
	v.SetDefault("bluez.adapter", d.Bluez.Adapter)
	v.SetDefault("bluez.serial_only", d.Bluez.SerialOnly)
	v.SetDefault("serial.baud", d.Serial.Baud)
	v.SetDefault("serial.prefix", d.Serial.Prefix)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("daemon.socket", d.Daemon.Socket)
	v.SetDefault("store.path", d.Store.Path)
}

// Init points v at the config file (explicit path, or config.yaml in Dir())
// and the ARMCTL_ environment. A missing file is not an error.
func Init(v *viper.Viper, file string) error {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
	}
	v.SetEnvPrefix("ARMCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the daemon cannot act on.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportBluez, TransportSerial:
	default:
		return fmt.Errorf("invalid transport %q: must be %q or %q", c.Transport, TransportBluez, TransportSerial)
	}
	if c.Transport == TransportSerial && c.Serial.Baud <= 0 {
		return fmt.Errorf("invalid serial.baud %d: must be positive", c.Serial.Baud)
	}
	if c.Transport == TransportBluez && c.Bluez.Adapter == "" {
		return fmt.Errorf("bluez.adapter must not be empty")
	}
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	for i, d := range c.Devices {
		if d.Address == "" {
			return fmt.Errorf("devices[%d]: address is required", i)
		}
	}
	return nil
}

// ResolveDevice turns a name or address into an address. With an empty
// argument the first configured device is used.
func (c *Config) ResolveDevice(arg string) (string, error) {
	if arg == "" {
		if len(c.Devices) == 0 {
			return "", fmt.Errorf("no device specified and no devices configured")
		}
		return c.Devices[0].Address, nil
	}
	for _, d := range c.Devices {
		if strings.EqualFold(d.Name, arg) {
			return d.Address, nil
		}
	}
	return arg, nil
}
