package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	API struct {
		BaseURL string `yaml:"baseUrl"`
		Timeout string `yaml:"timeout"`
	} `yaml:"api"`
	Engine Engine `yaml:"engine"`
	Redis  struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`
	Log struct {
		Level      string `yaml:"level"`
		JSON       bool   `yaml:"json"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMb"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"log"`
	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Engine holds the numeric knobs of the synchronization engine, in
// milliseconds unless noted.
type Engine struct {
	NominalRoundMs        int64   `yaml:"nominalRoundMs"`
	ActivePollMs          int64   `yaml:"activePollMs"`
	TransitionPollMs      int64   `yaml:"transitionPollMs"`
	TransientPollMs       int64   `yaml:"transientPollMs"`
	SubmissionGuardMs     int64   `yaml:"submissionGuardMs"`
	BackoffFloorMs        int64   `yaml:"backoffFloorMs"`
	BackoffCapMs          int64   `yaml:"backoffCapMs"`
	BackoffFactor         float64 `yaml:"backoffFactor"`
	ReinforceIntervalMs   int64   `yaml:"reinforceIntervalMs"`
	DegradedModeTimeoutMs int64   `yaml:"degradedModeTimeoutMs"`
	TickMs                int64   `yaml:"tickMs"`
	MaxQuietFailures      int     `yaml:"maxQuietFailures"`
}

// DefaultEngine returns the production cadences.
func DefaultEngine() Engine {
	return Engine{
		NominalRoundMs:        30000,
		ActivePollMs:          1000,
		TransitionPollMs:      400,
		TransientPollMs:       900,
		SubmissionGuardMs:     150,
		BackoffFloorMs:        400,
		BackoffCapMs:          2000,
		BackoffFactor:         1.35,
		ReinforceIntervalMs:   5000,
		DegradedModeTimeoutMs: 30000,
		TickMs:                500,
		MaxQuietFailures:      5,
	}
}

// WithDefaults replaces unset (zero or negative) values with defaults.
func (e Engine) WithDefaults() Engine {
	d := DefaultEngine()
	orDefault := func(v *int64, def int64) {
		if *v <= 0 {
			*v = def
		}
	}
	orDefault(&e.NominalRoundMs, d.NominalRoundMs)
	orDefault(&e.ActivePollMs, d.ActivePollMs)
	orDefault(&e.TransitionPollMs, d.TransitionPollMs)
	orDefault(&e.TransientPollMs, d.TransientPollMs)
	orDefault(&e.SubmissionGuardMs, d.SubmissionGuardMs)
	orDefault(&e.BackoffFloorMs, d.BackoffFloorMs)
	orDefault(&e.BackoffCapMs, d.BackoffCapMs)
	orDefault(&e.ReinforceIntervalMs, d.ReinforceIntervalMs)
	orDefault(&e.DegradedModeTimeoutMs, d.DegradedModeTimeoutMs)
	orDefault(&e.TickMs, d.TickMs)
	if e.BackoffFactor <= 1 {
		e.BackoffFactor = d.BackoffFactor
	}
	if e.MaxQuietFailures <= 0 {
		e.MaxQuietFailures = d.MaxQuietFailures
	}
	if e.BackoffCapMs < e.BackoffFloorMs {
		e.BackoffCapMs = e.BackoffFloorMs
	}
	return e
}

func (e Engine) NominalRound() time.Duration {
	return ms(e.NominalRoundMs)
}

func (e Engine) ActivePoll() time.Duration {
	return ms(e.ActivePollMs)
}

func (e Engine) TransitionPoll() time.Duration {
	return ms(e.TransitionPollMs)
}

func (e Engine) TransientPoll() time.Duration {
	return ms(e.TransientPollMs)
}

func (e Engine) SubmissionGuard() time.Duration {
	return ms(e.SubmissionGuardMs)
}

func (e Engine) BackoffFloor() time.Duration {
	return ms(e.BackoffFloorMs)
}

func (e Engine) BackoffCap() time.Duration {
	return ms(e.BackoffCapMs)
}

func (e Engine) ReinforceInterval() time.Duration {
	return ms(e.ReinforceIntervalMs)
}

func (e Engine) DegradedModeTimeout() time.Duration {
	return ms(e.DegradedModeTimeoutMs)
}

func (e Engine) Tick() time.Duration {
	return ms(e.TickMs)
}

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Defaults returns a config usable without any file.
func Defaults() Config {
	cfg := Config{Engine: DefaultEngine()}
	cfg.API.BaseURL = "http://localhost:8080"
	cfg.API.Timeout = "10s"
	cfg.Redis.TTL = "2h"
	cfg.Log.Level = "info"
	return cfg
}

// Load reads YAML config from path on top of Defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.Engine = cfg.Engine.WithDefaults()
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
