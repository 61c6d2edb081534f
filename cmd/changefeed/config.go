package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/jacentio/canopy/notify"
	"github.com/jacentio/canopy/schema"
)

// settings is the changefeed configuration. Every scalar can be set through
// the environment with a CANOPY_ prefix, e.g. CANOPY_REDIS_ADDR. Schemas are
// only read from the config file.
type settings struct {
	RedisAddr       string           `mapstructure:"redis_addr"`
	RedisPassword   string           `mapstructure:"redis_password"`
	RedisDB         int              `mapstructure:"redis_db"`
	ChannelPrefix   string           `mapstructure:"channel_prefix"`
	ChannelShards   int              `mapstructure:"channel_shards"`
	TTLAttribute    string           `mapstructure:"ttl_attribute"`
	TenantAttribute string           `mapstructure:"tenant_attribute"`
	LogLevel        string           `mapstructure:"log_level"`
	Schemas         []schemaSettings `mapstructure:"schemas"`
}

type schemaSettings struct {
	Name   string          `mapstructure:"name"`
	Table  string          `mapstructure:"table"`
	Fields []fieldSettings `mapstructure:"fields"`
}

type fieldSettings struct {
	Name    string `mapstructure:"name"`
	Column  string `mapstructure:"column"`
	Primary bool   `mapstructure:"primary"`
	Secure  bool   `mapstructure:"secure"`
}

var defaults = map[string]any{
	"redis_addr":       "localhost:6379",
	"redis_password":   "",
	"redis_db":         0,
	"channel_prefix":   notify.DefaultChannelPrefix,
	"channel_shards":   1,
	"ttl_attribute":    "ttl",
	"tenant_attribute": "",
	"log_level":        "info",
}

// loadSettings reads the config file named by CANOPY_CONFIG, or changefeed.yaml
// from /etc/canopy or the working directory, then applies the environment.
func loadSettings(v *viper.Viper) (settings, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("CANOPY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("changefeed")
		v.AddConfigPath("/etc/canopy")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return settings{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return s, nil
}

func (s settings) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

func (s settings) schemas() ([]*schema.Schema, error) {
	if len(s.Schemas) == 0 {
		return nil, errors.New("no schemas configured")
	}
	out := make([]*schema.Schema, 0, len(s.Schemas))
	for _, ss := range s.Schemas {
		fields := make([]schema.Field, len(ss.Fields))
		for i, f := range ss.Fields {
			fields[i] = schema.Field{Name: f.Name, Column: f.Column, Primary: f.Primary, Secure: f.Secure}
		}
		sch, err := schema.New(ss.Name, ss.Table, fields)
		if err != nil {
			return nil, fmt.Errorf("schema %q: %w", ss.Name, err)
		}
		out = append(out, sch)
	}
	return out, nil
}
