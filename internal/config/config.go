package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config описывает основные параметры velvet.
type Config struct {
	Agent struct {
		LogLevel  string `yaml:"log_level" toml:"log_level"`
		LogFormat string `yaml:"log_format" toml:"log_format"`
	} `yaml:"agent" toml:"agent"`
	Dispatch struct {
		AsyncWorkers     int `yaml:"async_workers" toml:"async_workers"`
		ShutdownTimeoutS int `yaml:"shutdown_timeout_s" toml:"shutdown_timeout_s"`
	} `yaml:"dispatch" toml:"dispatch"`
	Security struct {
		AuthAllowlist map[string][]string `yaml:"auth_allowlist" toml:"auth_allowlist"`
		RateLimit     int                 `yaml:"rate_limit" toml:"rate_limit"`
		RateWindowMS  int                 `yaml:"rate_window_ms" toml:"rate_window_ms"`
	} `yaml:"security" toml:"security"`
	SQLite struct {
		Path          string `yaml:"path" toml:"path"`
		RetentionDays int    `yaml:"retention_days" toml:"retention_days"`
	} `yaml:"sqlite" toml:"sqlite"`
	Scheduler struct {
		IntervalSeconds int     `yaml:"interval_seconds" toml:"interval_seconds"`
		Probes          []Probe `yaml:"probes" toml:"probes"`
	} `yaml:"scheduler" toml:"scheduler"`
	Web struct {
		Enabled                  bool    `yaml:"enabled" toml:"enabled"`
		ListenAddr               string  `yaml:"listen_addr" toml:"listen_addr"`
		ReadTimeoutMS            int     `yaml:"read_timeout_ms" toml:"read_timeout_ms"`
		WriteTimeoutMS           int     `yaml:"write_timeout_ms" toml:"write_timeout_ms"`
		RequestTimeoutMS         int     `yaml:"request_timeout_ms" toml:"request_timeout_ms"`
		ShutdownTimeoutS         int     `yaml:"shutdown_timeout_s" toml:"shutdown_timeout_s"`
		MaxBodyBytes             int64   `yaml:"max_body_bytes" toml:"max_body_bytes"`
		AllowLegacySubjectHeader bool    `yaml:"allow_legacy_subject_header" toml:"allow_legacy_subject_header"`
		Tokens                   []Token `yaml:"tokens" toml:"tokens"`
		CORS                     CORS    `yaml:"cors" toml:"cors"`
	} `yaml:"web" toml:"web"`
	Modules struct {
		BcryptCost      int `yaml:"bcrypt_cost" toml:"bcrypt_cost"`
		FlateLevel      int `yaml:"flate_level" toml:"flate_level"`
		ScriptTimeoutMS int `yaml:"script_timeout_ms" toml:"script_timeout_ms"`
	} `yaml:"modules" toml:"modules"`
	Native []NativeModule `yaml:"native" toml:"native"`
}

// Probe задает периодический вызов модуля планировщиком.
type Probe struct {
	Module  string `yaml:"module" toml:"module"`
	Command string `yaml:"command" toml:"command"`
}

// NativeModule описывает модуль, пересылающий команды во внешний backend.
type NativeModule struct {
	ID          string   `yaml:"id" toml:"id"`
	Kind        string   `yaml:"kind" toml:"kind"`
	Program     string   `yaml:"program" toml:"program"`
	Args        []string `yaml:"args" toml:"args"`
	URL         string   `yaml:"url" toml:"url"`
	TimeoutMS   int      `yaml:"timeout_ms" toml:"timeout_ms"`
	Retries     int      `yaml:"retries" toml:"retries"`
	RetryWaitMS int      `yaml:"retry_wait_ms" toml:"retry_wait_ms"`
}

// CORS задает политику для браузерных запросов к web API.
type CORS struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" toml:"allowed_headers"`
}

// Token описывает web bearer-токен.
type Token struct {
	ID          string   `yaml:"id" toml:"id"`
	TokenSHA256 string   `yaml:"token_sha256" toml:"token_sha256"`
	Subject     string   `yaml:"subject" toml:"subject"`
	Roles       []string `yaml:"roles" toml:"roles"`
	Enabled     bool     `yaml:"enabled" toml:"enabled"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Agent.LogLevel = "info"
	cfg.Agent.LogFormat = "json"
	cfg.Dispatch.ShutdownTimeoutS = 5
	cfg.Security.AuthAllowlist = map[string][]string{"console": {"local"}, "web": {}}
	cfg.Security.RateLimit = 5
	cfg.Security.RateWindowMS = 1000
	cfg.SQLite.Path = "velvet.db"
	cfg.SQLite.RetentionDays = 30
	cfg.Scheduler.IntervalSeconds = 60
	cfg.Scheduler.Probes = []Probe{{Module: "host", Command: "status"}}
	cfg.Web.Enabled = false
	cfg.Web.ListenAddr = "127.0.0.1:8080"
	cfg.Web.ReadTimeoutMS = 2000
	cfg.Web.WriteTimeoutMS = 5000
	cfg.Web.RequestTimeoutMS = 3000
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20
	cfg.Web.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	cfg.Web.CORS.AllowedHeaders = []string{"Authorization", "Content-Type", "X-Request-ID"}
	cfg.Modules.BcryptCost = 10
	cfg.Modules.FlateLevel = 6
	cfg.Modules.ScriptTimeoutMS = 2000
	return cfg
}

// Load читает конфиг из YAML или TOML (по расширению .toml) поверх значений по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором/CI.
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("config file is empty")
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate проверяет разделы, которые нельзя исправить значениями по умолчанию.
func (c Config) Validate() error {
	var errs []error
	for i, p := range c.Scheduler.Probes {
		if p.Module == "" {
			errs = append(errs, fmt.Errorf("scheduler.probes[%d]: module is empty", i))
		}
	}
	for i, n := range c.Native {
		if n.ID == "" {
			errs = append(errs, fmt.Errorf("native[%d]: id is empty", i))
		}
		switch n.Kind {
		case "exec":
			if n.Program == "" {
				errs = append(errs, fmt.Errorf("native[%d] %s: program is empty", i, n.ID))
			}
		case "http":
			if n.URL == "" {
				errs = append(errs, fmt.Errorf("native[%d] %s: url is empty", i, n.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("native[%d] %s: unknown kind %q", i, n.ID, n.Kind))
		}
	}
	return errors.Join(errs...)
}
