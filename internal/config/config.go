// Package config loads sb configuration files.
//
// Files are TOML with one table per component. Keys left out of a file keep
// their Default value.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Robot   RobotConfig
	Server  ServerConfig
	Bus     BusConfig
	Console ConsoleConfig
}

// RobotConfig is where the console finds the robot.
type RobotConfig struct {
	Address string
	Port    int
}

// ServerConfig is the robot side listener.
type ServerConfig struct {
	Node        string
	Listen      string
	StatusAddr  string
	CORSOrigins []string
}

type BusConfig struct {
	// Address is the bus host; empty means the robot address.
	Address          string
	Port             int
	JoinTimeout      time.Duration
	DriveSubject     string
	TelemetrySubject string
}

type ConsoleConfig struct {
	TickRate     time.Duration
	DialTimeout  time.Duration
	PingInterval time.Duration
}

func Default() Config {
	return Config{
		Robot: RobotConfig{
			Address: "sissybot.local",
			Port:    4443,
		},
		Server: ServerConfig{
			Node:        "sissybot",
			Listen:      ":4443",
			StatusAddr:  ":8080",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Bus: BusConfig{
			Port:             4222,
			JoinTimeout:      5 * time.Second,
			DriveSubject:     "drive.cmd",
			TelemetrySubject: "drive.state",
		},
		Console: ConsoleConfig{
			TickRate:     50 * time.Millisecond,
			DialTimeout:  5 * time.Second,
			PingInterval: 2 * time.Second,
		},
	}
}

// BusHost returns the bus host, falling back to the robot address.
func (c Config) BusHost() string {
	if h := strings.TrimSpace(c.Bus.Address); h != "" {
		return h
	}
	return c.Robot.Address
}

type fileConfig struct {
	Robot   robotFile   `toml:"robot"`
	Server  serverFile  `toml:"server"`
	Bus     busFile     `toml:"bus"`
	Console consoleFile `toml:"console"`
}

type robotFile struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type serverFile struct {
	Node        string   `toml:"node"`
	Listen      string   `toml:"listen"`
	StatusAddr  string   `toml:"status_addr"`
	CORSOrigins []string `toml:"cors_origins"`
}

type busFile struct {
	Address          string `toml:"address"`
	Port             int    `toml:"port"`
	JoinTimeout      string `toml:"join_timeout"`
	DriveSubject     string `toml:"drive_subject"`
	TelemetrySubject string `toml:"telemetry_subject"`
}

type consoleFile struct {
	TickRate     string `toml:"tick_rate"`
	DialTimeout  string `toml:"dial_timeout"`
	PingInterval string `toml:"ping_interval"`
}

// Load overlays the keys defined in path on Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

// Decode overlays the keys defined in doc onto cfg.
func Decode(doc string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("robot", "address") {
		cfg.Robot.Address = strings.TrimSpace(raw.Robot.Address)
	}
	if meta.IsDefined("robot", "port") {
		cfg.Robot.Port = raw.Robot.Port
	}

	if meta.IsDefined("server", "node") {
		cfg.Server.Node = strings.TrimSpace(raw.Server.Node)
	}
	if meta.IsDefined("server", "listen") {
		cfg.Server.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "status_addr") {
		cfg.Server.StatusAddr = strings.TrimSpace(raw.Server.StatusAddr)
	}
	if meta.IsDefined("server", "cors_origins") {
		cfg.Server.CORSOrigins = normalizeList(raw.Server.CORSOrigins)
	}

	if meta.IsDefined("bus", "address") {
		cfg.Bus.Address = strings.TrimSpace(raw.Bus.Address)
	}
	if meta.IsDefined("bus", "port") {
		cfg.Bus.Port = raw.Bus.Port
	}
	if meta.IsDefined("bus", "join_timeout") {
		d, err := parseDuration("bus.join_timeout", raw.Bus.JoinTimeout)
		if err != nil {
			return err
		}
		cfg.Bus.JoinTimeout = d
	}
	if meta.IsDefined("bus", "drive_subject") {
		cfg.Bus.DriveSubject = strings.TrimSpace(raw.Bus.DriveSubject)
	}
	if meta.IsDefined("bus", "telemetry_subject") {
		cfg.Bus.TelemetrySubject = strings.TrimSpace(raw.Bus.TelemetrySubject)
	}

	if meta.IsDefined("console", "tick_rate") {
		d, err := parseDuration("console.tick_rate", raw.Console.TickRate)
		if err != nil {
			return err
		}
		cfg.Console.TickRate = d
	}
	if meta.IsDefined("console", "dial_timeout") {
		d, err := parseDuration("console.dial_timeout", raw.Console.DialTimeout)
		if err != nil {
			return err
		}
		cfg.Console.DialTimeout = d
	}
	if meta.IsDefined("console", "ping_interval") {
		d, err := parseDuration("console.ping_interval", raw.Console.PingInterval)
		if err != nil {
			return err
		}
		cfg.Console.PingInterval = d
	}
	return Validate(*cfg)
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Robot.Address) == "" {
		return fmt.Errorf("robot config missing address")
	}
	if err := validatePort("robot.port", cfg.Robot.Port); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		return fmt.Errorf("server config missing listen")
	}
	if err := validatePort("bus.port", cfg.Bus.Port); err != nil {
		return err
	}
	if cfg.Bus.JoinTimeout <= 0 {
		return fmt.Errorf("bus.join_timeout must be positive")
	}
	if strings.TrimSpace(cfg.Bus.DriveSubject) == "" {
		return fmt.Errorf("bus config missing drive_subject")
	}
	if cfg.Console.TickRate <= 0 {
		return fmt.Errorf("console.tick_rate must be positive")
	}
	return nil
}

func validatePort(key string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", key, port)
	}
	return nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
