package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all sequent server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr   string `json:"listen_addr"`
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	DecisionURL  string `json:"decision_url"`
	StepDelayMs  int    `json:"step_delay_ms"`
	ApprovalRule string `json:"approval_rule"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(sequentDir(), "sequent.db"),
		LogLevel:   "info",
	}
}

func sequentDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sequent"
	}
	return filepath.Join(home, ".sequent")
}

func settingsPath() string {
	return filepath.Join(sequentDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SEQUENT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SEQUENT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SEQUENT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SEQUENT_DECISION_URL"); v != "" {
		cfg.DecisionURL = v
	}
	if v := os.Getenv("SEQUENT_STEP_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StepDelayMs = n
		}
	}
	if v := os.Getenv("SEQUENT_APPROVAL_RULE"); v != "" {
		cfg.ApprovalRule = v
	}

	return cfg
}
