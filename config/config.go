// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package config aggregates configuration for the engine.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cardinalhq/fieldsync/pkg/domain"
)

// CategoryConfig tunes one data category.
type CategoryConfig struct {
	// TTL is how long a cached entry counts as fresh.
	TTL time.Duration `mapstructure:"ttl"`
	// RefreshInterval is the cadence of the background refresh loop.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// Priority is low, normal, or high; it biases eviction under pressure.
	Priority string `mapstructure:"priority"`
}

// SweepConfig tunes the expiration sweep.
type SweepConfig struct {
	// Multiplier: entries older than TTL*Multiplier are deleted.
	Multiplier float64 `mapstructure:"multiplier"`
	// Probability is the fraction of writes that trigger a sweep.
	Probability float64 `mapstructure:"probability"`
	// MaxEntries caps the cache table; 0 means uncapped.
	MaxEntries int `mapstructure:"max_entries"`
}

// DrainConfig tunes the pending-action drain cycle.
type DrainConfig struct {
	// Interval is the cadence of the drain loop.
	Interval time.Duration `mapstructure:"interval"`
	// MaxAttempts dead-letters an action after this many failed
	// submissions. 0 keeps the historical behavior: retry forever.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// Config aggregates configuration for the engine and daemon.
type Config struct {
	// StorePath is the sqlite database file backing the local store.
	StorePath string `mapstructure:"store_path"`
	// NotifyDebounce collapses bursts of remote change notifications for
	// the same category into one forced refresh.
	NotifyDebounce time.Duration `mapstructure:"notify_debounce"`
	// HealthAddr is the liveness endpoint bind address; empty disables it.
	HealthAddr string `mapstructure:"health_addr"`

	Sweep SweepConfig `mapstructure:"sweep"`
	Drain DrainConfig `mapstructure:"drain"`

	Jobs         CategoryConfig `mapstructure:"jobs"`
	Dashboard    CategoryConfig `mapstructure:"dashboard"`
	Payments     CategoryConfig `mapstructure:"payments"`
	Profile      CategoryConfig `mapstructure:"profile"`
	Certificates CategoryConfig `mapstructure:"certificates"`
}

// Default returns the production defaults. Cadences mirror how often each
// screen's data actually moves: payments every five minutes, the dashboard
// every ten, certificates hourly.
func Default() *Config {
	return &Config{
		StorePath:      "fieldsync.db",
		NotifyDebounce: 10 * time.Second,
		HealthAddr:     ":8090",
		Sweep: SweepConfig{
			Multiplier:  3,
			Probability: 0.1,
			MaxEntries:  0,
		},
		Drain: DrainConfig{
			Interval:    5 * time.Minute,
			MaxAttempts: 0,
		},
		Jobs:         CategoryConfig{TTL: 15 * time.Minute, RefreshInterval: 5 * time.Minute, Priority: "normal"},
		Dashboard:    CategoryConfig{TTL: 10 * time.Minute, RefreshInterval: 10 * time.Minute, Priority: "high"},
		Payments:     CategoryConfig{TTL: 5 * time.Minute, RefreshInterval: 5 * time.Minute, Priority: "high"},
		Profile:      CategoryConfig{TTL: time.Hour, RefreshInterval: 30 * time.Minute, Priority: "low"},
		Certificates: CategoryConfig{TTL: 6 * time.Hour, RefreshInterval: time.Hour, Priority: "normal"},
	}
}

// Category returns the config block for a category.
func (c *Config) Category(cat domain.Category) CategoryConfig {
	switch cat {
	case domain.CategoryJobs:
		return c.Jobs
	case domain.CategoryDashboard:
		return c.Dashboard
	case domain.CategoryPayments:
		return c.Payments
	case domain.CategoryProfile:
		return c.Profile
	case domain.CategoryCertificates:
		return c.Certificates
	default:
		return CategoryConfig{TTL: 10 * time.Minute, RefreshInterval: 10 * time.Minute, Priority: "normal"}
	}
}

// ParsePriority maps the config string onto a domain priority; unknown
// strings fall back to normal.
func (cc CategoryConfig) ParsePriority() domain.Priority {
	switch strings.ToLower(cc.Priority) {
	case "low":
		return domain.PriorityLow
	case "high":
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store_path must not be empty")
	}
	for _, cat := range domain.Categories {
		cc := c.Category(cat)
		if cc.TTL <= 0 {
			return fmt.Errorf("%s: ttl must be positive", cat)
		}
		if cc.RefreshInterval <= 0 {
			return fmt.Errorf("%s: refresh_interval must be positive", cat)
		}
	}
	if c.Drain.Interval <= 0 {
		return fmt.Errorf("drain.interval must be positive")
	}
	if c.Sweep.Multiplier <= 1 {
		return fmt.Errorf("sweep.multiplier must be greater than 1")
	}
	if c.Sweep.Probability < 0 || c.Sweep.Probability > 1 {
		return fmt.Errorf("sweep.probability must be within [0, 1]")
	}
	return nil
}

// Load reads configuration from files and environment variables.
// Environment variables use the prefix "FIELDSYNC" and the dot character in
// keys is replaced by an underscore. For example, "drain.interval" becomes
// "FIELDSYNC_DRAIN_INTERVAL".
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
