package config

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// Template renders Default as a TOML file for `sb config init`.
func Template() (string, error) {
	out, err := toml.Marshal(toFile(Default()))
	if err != nil {
		return "", fmt.Errorf("render config template: %w", err)
	}
	return string(out), nil
}

func WriteTemplate(path string, overwrite bool) error {
	template, err := Template()
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Config) fileConfig {
	return fileConfig{
		Robot: robotFile{
			Address: cfg.Robot.Address,
			Port:    cfg.Robot.Port,
		},
		Server: serverFile{
			Node:        cfg.Server.Node,
			Listen:      cfg.Server.Listen,
			StatusAddr:  cfg.Server.StatusAddr,
			CORSOrigins: cfg.Server.CORSOrigins,
		},
		Bus: busFile{
			Address:          cfg.Bus.Address,
			Port:             cfg.Bus.Port,
			JoinTimeout:      cfg.Bus.JoinTimeout.String(),
			DriveSubject:     cfg.Bus.DriveSubject,
			TelemetrySubject: cfg.Bus.TelemetrySubject,
		},
		Console: consoleFile{
			TickRate:     cfg.Console.TickRate.String(),
			DialTimeout:  cfg.Console.DialTimeout.String(),
			PingInterval: cfg.Console.PingInterval.String(),
		},
	}
}
