// Package config loads the engine configuration from a file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/atlas-desktop/regime-engine/pkg/types"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REGIME_SERVER_PORT.
const EnvPrefix = "REGIME"

// ErrInvalidConfig wraps every loading or validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads the configuration at path (YAML, JSON or TOML by extension),
// applies REGIME_* environment overrides and validates the result. An empty
// path loads defaults plus environment.
func Load(path string) (*types.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, "", reflect.TypeOf(types.Config{}))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
		}
	}

	// Defaults first so values present in the file or environment, including
	// explicit false and zero, win.
	cfg := types.DefaultConfig()
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// bindEnvs registers every leaf key of the config tree so AutomaticEnv
// overrides reach Unmarshal.
func bindEnvs(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		ft := field.Type
		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, key, ft)
			continue
		}
		_ = v.BindEnv(key)
	}
}
