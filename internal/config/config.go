package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Default collection names shipped by alto2txt.
var DefaultCollections = []string{"hmd", "lwm", "jisc", "bna"}

const (
	DefaultMountpoint = "./input/alto2txt/"
	DefaultOutputDir  = "./output/fixtures/"
	DefaultReportDir  = "./output/reports/"
	DefaultDbPath     = "./output/alto2txt2fixture.duckdb"

	// Default maximum number of fixture records per output chunk.
	DefaultMaxElementsPerFile = 2_000_000
)

var DefaultNumWorkers = runtime.NumCPU()

// Config holds application settings shared by all commands.
type Config struct {
	Mountpoint         string   `yaml:"mountpoint"`
	OutputDir          string   `yaml:"output"`
	ReportDir          string   `yaml:"report_dir"`
	DbPath             string   `yaml:"db_path"`
	Collections        []string `yaml:"collections"`
	MaxElementsPerFile int      `yaml:"max_elements_per_file"`
	NumWorkers         int      `yaml:"workers"`
}

// Default returns a Config populated with the standard defaults.
func Default() Config {
	return Config{
		Mountpoint:         DefaultMountpoint,
		OutputDir:          DefaultOutputDir,
		ReportDir:          DefaultReportDir,
		DbPath:             DefaultDbPath,
		Collections:        append([]string(nil), DefaultCollections...),
		MaxElementsPerFile: DefaultMaxElementsPerFile,
		NumWorkers:         DefaultNumWorkers,
	}
}

// LoadFile overlays settings from a YAML file onto cfg. Missing keys keep
// their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings every command depends on.
func (c Config) Validate() error {
	if c.Mountpoint == "" || c.OutputDir == "" || c.DbPath == "" {
		return fmt.Errorf("mountpoint, output and db-path must be set")
	}
	if c.MaxElementsPerFile < 1 {
		return fmt.Errorf("max-elements must be at least 1, got %d", c.MaxElementsPerFile)
	}
	if c.NumWorkers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.NumWorkers)
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection must be selected")
	}
	return nil
}
