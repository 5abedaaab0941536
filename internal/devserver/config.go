package devserver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/xela07ax/flagkit/internal/infra"
)

// FileConfig — настройки процесса dev-сервера.
type FileConfig struct {
	Addr    string             `mapstructure:"addr"`
	APIKey  string             `mapstructure:"api_key"`
	Catalog Catalog            `mapstructure:"catalog"`
	Logger  infra.LoggerConfig `mapstructure:"logger"`
}

// LoadConfig читает devserver.yaml (или файл по пути) и ENV с префиксом FLAGKIT_DEVSERVER.
func LoadConfig(configPath string) (*FileConfig, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("devserver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("flagkit_devserver")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("addr", ":8000")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg FileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}
