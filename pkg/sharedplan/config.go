// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

package sharedplan

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// Options holds every configuration knob from §6. It mirrors the shape of
// cockroach's own settings.RegisterBoolSetting-style registry (see
// plan_opt.go's queryCacheEnabled) without depending on that
// monolith-internal package: each field is typed, named, defaulted, and
// validated once at construction, and can be populated from env vars or
// a config file via Viper (see LoadOptions); no command-line flags are
// bound to these fields.
type Options struct {
	// Enabled bypasses the core entirely when false.
	Enabled bool
	// MaxEntries caps the number of resident entries (max).
	MaxEntries int
	// MinPlanTimeMS is the minimum planning time, in milliseconds, for a
	// plan to be worth caching (min_plan_time).
	MinPlanTimeMS float64
	// Threshold is the minimum number of custom plans considered before
	// the cached plan becomes a candidate (threshold), 1..HostThreshold.
	Threshold int
	// HostThreshold is the host's own plan-cache threshold. Validate bounds
	// Threshold by it; the cache applies no cost adjustment to the plans it
	// serves, so it is not used otherwise.
	HostThreshold int
	// RDependMax bounds the per-dependency key fan-out (rdepend_max), must
	// be >= 1.
	RDependMax int
	// ReadOnly suppresses new installs while still serving hits.
	ReadOnly bool
	// DisablePlanCache is loaded and checked by Validate (it then requires
	// HostThreshold > Threshold). The cache applies no cost adjustment to
	// served plans, negative or otherwise, so it has no further effect.
	DisablePlanCache bool
	// CacheAllStatements widens fingerprinting to also fold the result
	// tuple descriptor (§4.1 "cache all" mode).
	CacheAllStatements bool
	// CPUOperatorCost mirrors the host's own cpu_operator_cost setting. It
	// is loaded but not read by the cache, which applies no cost adjustment.
	CPUOperatorCost float64
}

// DefaultOptions returns the configuration the core ships with absent any
// external source, matching the defaults a fresh install would have.
func DefaultOptions() Options {
	return Options{
		Enabled:         true,
		MaxEntries:      2000,
		MinPlanTimeMS:   10,
		Threshold:       5,
		HostThreshold:   5,
		RDependMax:      1000,
		ReadOnly:        false,
		CPUOperatorCost: 0.0025,
	}
}

// Validate enforces the invariants §6's table documents informally
// (threshold bounded by HostThreshold, rdepend_max >= 1, etc).
func (o Options) Validate() error {
	if o.MaxEntries <= 0 {
		return errors.Mark(errors.Newf("max entries must be positive, got %d", o.MaxEntries), ErrMisconfigured)
	}
	if o.RDependMax < 1 {
		return errors.Mark(errors.Newf("rdepend_max must be >= 1, got %d", o.RDependMax), ErrMisconfigured)
	}
	if o.Threshold < 1 || o.Threshold > o.HostThreshold {
		return errors.Mark(errors.Newf(
			"threshold must be in [1, host_threshold=%d], got %d", o.HostThreshold, o.Threshold,
		), ErrMisconfigured)
	}
	if o.HostThreshold <= o.Threshold && o.DisablePlanCache {
		return errors.Mark(errors.Newf(
			"host_threshold (%d) must exceed threshold (%d) when disable_plan_cache is set",
			o.HostThreshold, o.Threshold,
		), ErrMisconfigured)
	}
	return nil
}

// LoadOptions reads configuration from env vars prefixed SHAREDPLAN_ and
// (if present) the given config file, layered over DefaultOptions, the
// same layering dgraph and nornicdb use for their own config surfaces.
// An empty configFile is not an error; only a malformed one is.
func LoadOptions(configFile string) (Options, error) {
	v := viper.New()
	v.SetEnvPrefix("SHAREDPLAN")
	v.AutomaticEnv()

	opts := DefaultOptions()
	v.SetDefault("enabled", opts.Enabled)
	v.SetDefault("max_entries", opts.MaxEntries)
	v.SetDefault("min_plan_time_ms", opts.MinPlanTimeMS)
	v.SetDefault("threshold", opts.Threshold)
	v.SetDefault("host_threshold", opts.HostThreshold)
	v.SetDefault("rdepend_max", opts.RDependMax)
	v.SetDefault("read_only", opts.ReadOnly)
	v.SetDefault("disable_plan_cache", opts.DisablePlanCache)
	v.SetDefault("cache_all_statements", opts.CacheAllStatements)
	v.SetDefault("cpu_operator_cost", opts.CPUOperatorCost)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, errors.Mark(errors.Wrapf(err, "reading config file %s", configFile), ErrMisconfigured)
		}
	}

	opts = Options{
		Enabled:            v.GetBool("enabled"),
		MaxEntries:         v.GetInt("max_entries"),
		MinPlanTimeMS:      v.GetFloat64("min_plan_time_ms"),
		Threshold:          v.GetInt("threshold"),
		HostThreshold:      v.GetInt("host_threshold"),
		RDependMax:         v.GetInt("rdepend_max"),
		ReadOnly:           v.GetBool("read_only"),
		DisablePlanCache:   v.GetBool("disable_plan_cache"),
		CacheAllStatements: v.GetBool("cache_all_statements"),
		CPUOperatorCost:    v.GetFloat64("cpu_operator_cost"),
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
