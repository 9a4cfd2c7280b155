package docset

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes a store connection in a YAML file, so tools and
// hosts can point at a deployment without code changes.
type Config struct {
	// Engine selects the backend: "mongo" (default), "memory" or "file".
	Engine string `yaml:"engine"`
	// URI is the deployment address for the mongo engine.
	URI string `yaml:"uri"`
	// Path locates the store file for the file engine.
	Path string `yaml:"path"`
	// Database names the working database.
	Database string `yaml:"database"`
	// Collections overrides per-model collection names by model name.
	Collections map[string]string `yaml:"collections"`
}

// LoadConfig reads and validates a connection config.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.Engine == "" {
		cfg.Engine = "mongo"
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("%w: config %s is missing the database name", ErrInvalidArgument, path)
	}
	switch cfg.Engine {
	case "mongo":
		if cfg.URI == "" {
			return nil, fmt.Errorf("%w: mongo engine requires a uri", ErrInvalidArgument)
		}
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: file engine requires a path", ErrInvalidArgument)
		}
	case "memory":
	default:
		return nil, fmt.Errorf("%w: unknown engine %q", ErrInvalidArgument, cfg.Engine)
	}
	return &cfg, nil
}

// Connect establishes the shared connection the config describes.
func (c *Config) Connect(ctx context.Context) error {
	switch c.Engine {
	case "memory":
		ConnectMemory(c.Database)
		return nil
	case "file":
		return ConnectFile(c.Path, c.Database)
	default:
		return Connect(ctx, c.URI, c.Database)
	}
}
