package dynamo

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cast"
)

// Config holds configuration for the DynamoDB adapter.
type Config struct {
	// Table overrides the schema's table name.
	Table string

	// Region, Profile and Endpoint are passed to the AWS config loader when
	// Client is nil. Endpoint targets DynamoDB Local or LocalStack.
	Region   string
	Profile  string
	Endpoint string

	// TTLAttribute names the numeric epoch-seconds attribute DynamoDB expires
	// items by. Items whose TTL has passed are hidden from every read.
	// Default: "ttl"
	TTLAttribute string

	// Client replaces the client built on Connect.
	Client Client

	// Clock supplies the time compared against TTL values.
	// Default: the wall clock
	Clock clock.Clock
}

// DefaultConfig returns a Config that loads AWS settings from the environment.
func DefaultConfig() Config {
	return Config{TTLAttribute: "ttl"}
}

// validate fills defaults.
func (c *Config) validate() {
	if c.TTLAttribute == "" {
		c.TTLAttribute = "ttl"
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// ConfigFromSettings reads adapter.Config settings. Recognised keys are
// table, region, profile, endpoint, ttlAttribute and client.
func ConfigFromSettings(settings map[string]any) (Config, error) {
	cfg := DefaultConfig()
	for key, v := range settings {
		var err error
		switch key {
		case "table":
			cfg.Table, err = cast.ToStringE(v)
		case "region":
			cfg.Region, err = cast.ToStringE(v)
		case "profile":
			cfg.Profile, err = cast.ToStringE(v)
		case "endpoint":
			cfg.Endpoint, err = cast.ToStringE(v)
		case "ttlAttribute":
			cfg.TTLAttribute, err = cast.ToStringE(v)
		case "client":
			c, ok := v.(Client)
			if !ok {
				err = fmt.Errorf("%T does not implement dynamo.Client", v)
			}
			cfg.Client = c
		}
		if err != nil {
			return Config{}, fmt.Errorf("dynamo: setting %q: %w", key, err)
		}
	}
	return cfg, nil
}
