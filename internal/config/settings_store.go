package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

type Settings struct {
	BaseURL      string `json:"base_url"`
	RealtimeHost string `json:"realtime_host,omitempty"`
	RealtimePort int    `json:"realtime_port,omitempty"`
	RealtimeKey  string `json:"realtime_key,omitempty"`
	RealtimeTLS  bool   `json:"realtime_tls,omitempty"`
	Debug        bool   `json:"debug"`
}

func ConfigDir() (string, error) {
	root, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "portal-client"), nil
}

func SettingsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

func DefaultCredentialsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

func LoadSettings() (Settings, error) {
	path, err := SettingsPath()
	if err != nil {
		return Settings{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

func SaveSettings(settings Settings) error {
	path, err := SettingsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

// MergeOptionsWithSettings fills options left empty on the command line and
// in the environment from the saved settings.
func MergeOptionsWithSettings(cli Options, saved Settings) Options {
	if strings.TrimSpace(cli.BaseURL) == "" {
		cli.BaseURL = saved.BaseURL
	}
	if strings.TrimSpace(cli.RealtimeHost) == "" {
		cli.RealtimeHost = saved.RealtimeHost
	}
	if cli.RealtimePort == 0 {
		cli.RealtimePort = saved.RealtimePort
	}
	if strings.TrimSpace(cli.RealtimeKey) == "" {
		cli.RealtimeKey = saved.RealtimeKey
	}
	if !cli.RealtimeTLS {
		cli.RealtimeTLS = saved.RealtimeTLS
	}
	if !cli.Debug {
		cli.Debug = saved.Debug
	}
	return cli
}

func SettingsFromOptions(opts Options) Settings {
	return Settings{
		BaseURL:      strings.TrimSpace(opts.BaseURL),
		RealtimeHost: strings.TrimSpace(opts.RealtimeHost),
		RealtimePort: opts.RealtimePort,
		RealtimeKey:  strings.TrimSpace(opts.RealtimeKey),
		RealtimeTLS:  opts.RealtimeTLS,
		Debug:        opts.Debug,
	}
}
