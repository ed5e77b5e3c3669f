// Package config provides configuration loading and management for histotrace.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers specifies how many tile workers run in parallel
		NumWorkers int `yaml:"numWorkers"`

		// TileSize is the side length of the processing tiles in pixels
		TileSize int `yaml:"tileSize"`

		// TileOverlap is the number of pixels adjacent tiles share
		TileOverlap int `yaml:"tileOverlap"`

		// SmoothSigma is the Gaussian sigma applied before thresholding, 0 disables smoothing
		SmoothSigma float64 `yaml:"smoothSigma"`

		// ThresholdLow and ThresholdHigh bound the foreground value range, inclusive
		ThresholdLow  float64 `yaml:"thresholdLow"`
		ThresholdHigh float64 `yaml:"thresholdHigh"`
	} `yaml:"processing"`

	// Mask cleanup parameters
	Cleanup struct {
		// OpeningRadius is the structuring element radius for opening by
		// reconstruction, 0 disables the stage
		OpeningRadius float64 `yaml:"openingRadius"`

		// MinObjectPixels removes connected components smaller than this many pixels
		MinObjectPixels int `yaml:"minObjectPixels"`

		// Connectivity is the pixel connectivity for cleanup, 4 or 8
		Connectivity int `yaml:"connectivity"`
	} `yaml:"cleanup"`

	// Feature export parameters
	Features struct {
		// Sigmas is the list of Gaussian scales to compute features at
		Sigmas []float64 `yaml:"sigmas"`

		// Names lists the features to compute, e.g. gaussian, laplacian
		Names []string `yaml:"names"`

		// Border is the out-of-plane sampling policy: reflect, replicate or wrap
		Border string `yaml:"border"`
	} `yaml:"features"`

	// Geometry merge parameters
	Merge struct {
		// MinObjectArea drops merged objects smaller than this area in physical units
		MinObjectArea float64 `yaml:"minObjectArea"`

		// MinHoleArea fills holes smaller than this area in physical units
		MinHoleArea float64 `yaml:"minHoleArea"`
	} `yaml:"merge"`

	// Pixel calibration parameters
	Calibration struct {
		// PixelWidth and PixelHeight are the physical size of a full-resolution
		// pixel, typically micrometers
		PixelWidth  float64 `yaml:"pixelWidth"`
		PixelHeight float64 `yaml:"pixelHeight"`

		// ZSpacing is the physical distance between z-stack planes
		ZSpacing float64 `yaml:"zSpacing"`

		// Downsample is the factor between the input raster and full resolution
		Downsample float64 `yaml:"downsample"`
	} `yaml:"calibration"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// Pretty indents the GeoJSON output
		Pretty bool `yaml:"pretty"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumWorkers = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.TileSize = 512
	cfg.Processing.TileOverlap = 0
	cfg.Processing.SmoothSigma = 0
	cfg.Processing.ThresholdLow = 0.5
	cfg.Processing.ThresholdHigh = math.Inf(1)

	// Set default cleanup parameters
	cfg.Cleanup.OpeningRadius = 0
	cfg.Cleanup.MinObjectPixels = 0
	cfg.Cleanup.Connectivity = 4

	// Set default feature export parameters
	cfg.Features.Sigmas = []float64{1.0, 2.0, 4.0}
	cfg.Features.Names = []string{"gaussian", "laplacian", "gradient_magnitude"}
	cfg.Features.Border = "reflect"

	// Set default merge parameters
	cfg.Merge.MinObjectArea = 0
	cfg.Merge.MinHoleArea = 0

	// Set default calibration parameters
	cfg.Calibration.PixelWidth = 1.0
	cfg.Calibration.PixelHeight = 1.0
	cfg.Calibration.ZSpacing = 1.0
	cfg.Calibration.Downsample = 1.0

	// Set default output parameters
	cfg.Output.Verbose = true
	cfg.Output.Pretty = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
