package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"harvestd/internal/logging"
)

// Executor drivers.
const (
	DriverDocker = "docker"
	DriverCLI    = "cli"
)

type Config struct {
	Env         string `yaml:"env"`
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"`
	ScanWorkers int    `yaml:"scan_workers"`
	// CORSAllowedOrigins are the browser origins allowed to call the API.
	CORSAllowedOrigins []string        `yaml:"cors_allowed_origins"`
	Harvester          HarvesterConfig `yaml:"harvester"`
	Logging            logging.Config  `yaml:"logging"`
}

// HarvesterConfig controls how the harvesting tool is run.
type HarvesterConfig struct {
	Image     string `yaml:"image"`
	Providers string `yaml:"providers"`
	// ResultsDir is the host directory holding one sub-directory per scan.
	ResultsDir string `yaml:"results_dir"`
	// OutputMount is where ResultsDir/<id> is mounted inside the container.
	OutputMount string        `yaml:"output_mount"`
	Timeout     time.Duration `yaml:"timeout"`
	Driver      string        `yaml:"driver"`
	CLI         string        `yaml:"cli"`
	MemoryMB    int64         `yaml:"memory_mb"`
	CPUs        float64       `yaml:"cpus"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Env:                "development",
		ListenAddr:         ":8081",
		DatabaseURL:        "scans.db",
		ScanWorkers:        4,
		CORSAllowedOrigins: []string{"http://localhost:3000"},
		Harvester: HarvesterConfig{
			Image:       "secsi/theharvester",
			Providers:   "bing,duckduckgo",
			ResultsDir:  "harvester_results",
			OutputMount: "/output",
			Timeout:     30 * time.Minute,
			Driver:      DriverDocker,
			CLI:         "docker",
			MemoryMB:    512,
			CPUs:        1,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}
	if err := cfg.loadFromEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parsing %s: %w", key, err)
	}
	return out, nil
}

// splitList parses a comma separated list, dropping blanks.
func splitList(v string) []string {
	out := []string{}
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) loadFromEnv() error {
	c.Env = getenv("APP_ENV", c.Env)
	c.ListenAddr = getenv("LISTEN_ADDR", c.ListenAddr)
	c.DatabaseURL = getenv("DATABASE_URL", c.DatabaseURL)
	workers, err := getenvInt("SCAN_WORKERS", c.ScanWorkers)
	if err != nil {
		return err
	}
	c.ScanWorkers = workers
	// Set but empty disables CORS.
	if v, ok := os.LookupEnv("CORS_ALLOWED_ORIGINS"); ok {
		c.CORSAllowedOrigins = splitList(v)
	}

	h := &c.Harvester
	h.Image = getenv("HARVESTER_IMAGE", h.Image)
	h.Providers = getenv("HARVESTER_PROVIDERS", h.Providers)
	h.ResultsDir = getenv("RESULTS_DIR", h.ResultsDir)
	h.Driver = getenv("EXECUTOR_DRIVER", h.Driver)
	h.CLI = getenv("CONTAINER_CLI", h.CLI)
	if v := os.Getenv("SCAN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing SCAN_TIMEOUT: %w", err)
		}
		h.Timeout = d
	}

	c.Logging.Level = getenv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenv("LOG_FORMAT", c.Logging.Format)
	c.Logging.FilePath = getenv("LOG_FILE", c.Logging.FilePath)
	return nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DatabaseURL == "" {
		return errors.New("database url is required")
	}
	if c.ScanWorkers < 1 {
		return fmt.Errorf("scan_workers must be positive, got %d", c.ScanWorkers)
	}
	h := c.Harvester
	if h.Image == "" {
		return errors.New("harvester image is required")
	}
	if h.Providers == "" {
		return errors.New("harvester providers are required")
	}
	if h.ResultsDir == "" || h.OutputMount == "" {
		return errors.New("results_dir and output_mount are required")
	}
	if h.Timeout <= 0 {
		return fmt.Errorf("harvester timeout must be positive, got %s", h.Timeout)
	}
	switch h.Driver {
	case DriverDocker:
	case DriverCLI:
		if h.CLI == "" {
			return errors.New("container cli binary is required for the cli driver")
		}
	default:
		return fmt.Errorf("unknown executor driver %q", h.Driver)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	return nil
}

// UsesPostgres reports whether DatabaseURL points at a Postgres server rather
// than a SQLite file.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}
