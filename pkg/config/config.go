// Package config loads the feature gates that decide which class patches
// are active.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Gate names, as used in TOML files and in patch table entries.
const (
	GateWeatherHook             = "enable-weather-hook"
	GateResetOnSleepHook        = "enable-reset-on-sleep-hook"
	GateSoundManagerReplacement = "enable-sound-manager-replacement"
	GateSoundCacheHook          = "enable-sound-cache-hook"
	GateRandomReplace           = "enable-random-replace"
)

// EnvPrefix prefixes the environment variables that override gates, e.g.
// CLASSPATCH_ENABLE_RANDOM_REPLACE=false.
const EnvPrefix = "CLASSPATCH_"

// Options holds one switch per gate.
type Options struct {
	WeatherHook             bool `toml:"enable-weather-hook"`
	ResetOnSleepHook        bool `toml:"enable-reset-on-sleep-hook"`
	SoundManagerReplacement bool `toml:"enable-sound-manager-replacement"`
	SoundCacheHook          bool `toml:"enable-sound-cache-hook"`
	RandomReplace           bool `toml:"enable-random-replace"`
}

// Default returns Options with every gate on.
func Default() Options {
	return Options{
		WeatherHook:             true,
		ResetOnSleepHook:        true,
		SoundManagerReplacement: true,
		SoundCacheHook:          true,
		RandomReplace:           true,
	}
}

func (o *Options) gates() map[string]*bool {
	return map[string]*bool{
		GateWeatherHook:             &o.WeatherHook,
		GateResetOnSleepHook:        &o.ResetOnSleepHook,
		GateSoundManagerReplacement: &o.SoundManagerReplacement,
		GateSoundCacheHook:          &o.SoundCacheHook,
		GateRandomReplace:           &o.RandomReplace,
	}
}

// IsGate reports whether name is a known gate.
func IsGate(name string) bool {
	var o Options
	_, ok := o.gates()[name]
	return ok
}

// Enabled reports whether the named gate is on. Unknown gates are off.
func (o Options) Enabled(gate string) bool {
	if p, ok := o.gates()[gate]; ok {
		return *p
	}
	return false
}

// Decode parses TOML over the defaults. Keys that are not gates are
// rejected.
func Decode(data string) (Options, error) {
	o := Default()
	md, err := toml.Decode(data, &o)
	if err != nil {
		return Options{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Options{}, fmt.Errorf("unknown options: %s", strings.Join(keys, ", "))
	}
	return o, nil
}

// LoadFile reads a TOML options file.
func LoadFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	o, err := Decode(string(data))
	if err != nil {
		return Options{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return o, nil
}

// Load builds the process options: defaults, then the TOML file at path
// (if path is empty, CLASSPATCH_CONFIG names it; no file is fine), then
// environment overrides. A .env file in the working directory is loaded
// into the environment first.
func Load(path string) (Options, error) {
	_ = godotenv.Load()

	path = firstNonEmpty(path, strings.TrimSpace(os.Getenv(EnvPrefix+"CONFIG")))
	o := Default()
	if path != "" {
		var err error
		if o, err = LoadFile(path); err != nil {
			return Options{}, err
		}
	}
	if err := o.applyEnv(os.LookupEnv); err != nil {
		return Options{}, err
	}
	return o, nil
}

// EnvName returns the environment variable that overrides gate.
func EnvName(gate string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(gate, "-", "_"))
}

func (o *Options) applyEnv(lookup func(string) (string, bool)) error {
	for gate, p := range o.gates() {
		name := EnvName(gate)
		raw, ok := lookup(name)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*p = v
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
