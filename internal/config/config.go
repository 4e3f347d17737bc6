// Package config loads the optional YAML file that tunes the session
// controller's timing constants. Flags and environment variables are handled
// by kong in cmd/zyra; this file only carries values that are awkward to pass
// on every invocation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Timings are the session controller's time constants.
type Timings struct {
	InactivityTimeout    time.Duration `yaml:"inactivity_timeout"`
	WarningBeforeTimeout time.Duration `yaml:"warning_before"`
	LoadingTimeout       time.Duration `yaml:"loading_timeout"`
	ProfileTimeout       time.Duration `yaml:"profile_timeout"`
	ProfileRetryDelay    time.Duration `yaml:"profile_retry_delay"`
	RefreshMargin        time.Duration `yaml:"refresh_margin"`
}

// File is the on-disk configuration document.
type File struct {
	APIURL  string  `yaml:"api_url"`
	AuthURL string  `yaml:"auth_url"`
	Origin  string  `yaml:"origin"`
	Timings Timings `yaml:"timings"`
}

// DefaultTimings returns the production constants.
func DefaultTimings() Timings {
	return Timings{
		InactivityTimeout:    30 * time.Minute,
		WarningBeforeTimeout: 5 * time.Minute,
		LoadingTimeout:       5 * time.Second,
		ProfileTimeout:       3 * time.Second,
		ProfileRetryDelay:    200 * time.Millisecond,
		RefreshMargin:        60 * time.Second,
	}
}

// Load reads path and fills unset timings with defaults.
// An empty path or a missing file yields the defaults.
func Load(path string) (*File, error) {
	cfg := &File{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.Timings = cfg.Timings.withDefaults()

	if err := cfg.Timings.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (t Timings) withDefaults() Timings {
	def := DefaultTimings()
	if t.InactivityTimeout == 0 {
		t.InactivityTimeout = def.InactivityTimeout
	}
	if t.WarningBeforeTimeout == 0 {
		t.WarningBeforeTimeout = def.WarningBeforeTimeout
	}
	if t.LoadingTimeout == 0 {
		t.LoadingTimeout = def.LoadingTimeout
	}
	if t.ProfileTimeout == 0 {
		t.ProfileTimeout = def.ProfileTimeout
	}
	if t.ProfileRetryDelay == 0 {
		t.ProfileRetryDelay = def.ProfileRetryDelay
	}
	if t.RefreshMargin == 0 {
		t.RefreshMargin = def.RefreshMargin
	}
	return t
}

// Validate checks the timings are usable.
func (t Timings) Validate() error {
	if t.InactivityTimeout <= 0 || t.WarningBeforeTimeout <= 0 || t.LoadingTimeout <= 0 ||
		t.ProfileTimeout <= 0 || t.ProfileRetryDelay < 0 || t.RefreshMargin < 0 {
		return fmt.Errorf("timings must be positive")
	}
	if t.WarningBeforeTimeout >= t.InactivityTimeout {
		return fmt.Errorf("warning_before (%s) must be shorter than inactivity_timeout (%s)",
			t.WarningBeforeTimeout, t.InactivityTimeout)
	}
	return nil
}
