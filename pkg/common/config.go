package common

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed config.default.yaml
var defaultConfig []byte

const (
	ConfigPathEnv = "CONFIG_PATH"
	EnvPrefix     = "SOUNDFS_"
)

// ConfigManager loads T from the embedded defaults, an optional file at
// CONFIG_PATH and SOUNDFS_ prefixed environment variables, in that order.
type ConfigManager[T any] struct {
	kf     *koanf.Koanf
	config T
}

func NewConfigManager[T any]() (*ConfigManager[T], error) {
	cm := &ConfigManager[T]{kf: koanf.New(".")}

	if err := cm.kf.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := cm.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cm.loadEnv(); err != nil {
		return nil, err
	}

	if err := cm.unmarshal(); err != nil {
		return nil, err
	}
	return cm, nil
}

// LoadFile merges a YAML or JSON file over the current configuration.
func (cm *ConfigManager[T]) LoadFile(path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}

	if err := cm.kf.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cm.unmarshal()
}

// loadEnv maps SOUNDFS_CACHE_DIRTTL onto cache.dirTTL. Keys are matched
// case-insensitively against those already known from the defaults.
func (cm *ConfigManager[T]) loadEnv() error {
	known := make(map[string]string)
	for _, k := range cm.kf.Keys() {
		known[strings.ToLower(k)] = k
	}

	provider := env.Provider(EnvPrefix, ".", func(s string) string {
		k := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", "."))
		if canonical, ok := known[k]; ok {
			return canonical
		}
		return k
	})

	if err := cm.kf.Load(provider, nil); err != nil {
		return fmt.Errorf("failed to load env config: %w", err)
	}
	return nil
}

func (cm *ConfigManager[T]) unmarshal() error {
	var c T
	err := cm.kf.UnmarshalWithConf("", &c, koanf.UnmarshalConf{
		Tag: "key",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Metadata:         nil,
			Result:           &c,
			TagName:          "key",
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	cm.config = c
	return nil
}

func (cm *ConfigManager[T]) GetConfig() T {
	return cm.config
}

// Koanf exposes the merged key space, e.g. for dumping the effective config.
func (cm *ConfigManager[T]) Koanf() *koanf.Koanf {
	return cm.kf
}
