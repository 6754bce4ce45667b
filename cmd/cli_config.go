package cmd

import (
	"os"

	"github.com/creasty/defaults"
	"github.com/ethpandaops/tally/pkg/engine"
	"gopkg.in/yaml.v3"
)

// redisURLEnv overrides redis.url from the config file
const redisURLEnv = "TALLY_REDIS_URL"

// loadConfig reads the engine configuration from a YAML file on top of the
// defaults. A missing file leaves the defaults in place.
func loadConfig(path string) (*engine.Config, error) {
	config := &engine.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if err == nil {
		if err := yaml.Unmarshal(yamlFile, config); err != nil {
			return nil, err
		}
	}

	if url := os.Getenv(redisURLEnv); url != "" {
		config.Redis.URL = url
	}

	return config, nil
}
