// Package config provides configuration loading and management for darkfield.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"

	"darkfield/pkg/pipeline"
	"darkfield/pkg/scan"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input parameters describing the HDF5 scan layout
	Input struct {
		// Path is the HDF5 file holding all scan layers
		Path string `yaml:"path"`

		// DataName is the in-group path to the detector frame stack
		DataName string `yaml:"dataName"`

		// MotorNames are the in-group paths to the motor position datasets,
		// outermost motor first
		MotorNames []string `yaml:"motorNames"`

		// MotorPrecision is the trusted decimal count per motor, matching
		// motorNames
		MotorPrecision []int `yaml:"motorPrecision"`

		// ScanIDs lists the layer groups to compile, in stacking order
		ScanIDs []string `yaml:"scanIDs"`
	} `yaml:"input"`

	// Processing parameters
	Processing struct {
		// Workers bounds how many layers are reduced concurrently; each
		// worker holds one raw volume in memory
		Workers int `yaml:"workers"`

		// Threshold selects background subtraction: "none", "auto", or a
		// non-negative integer to subtract from every layer
		Threshold string `yaml:"threshold"`

		// ROI restricts the detector region as [rowMin, rowMax, colMin,
		// colMax), empty for the full detector
		ROI []int `yaml:"roi"`
	} `yaml:"processing"`

	// Mask parameters for sample segmentation
	Mask struct {
		// Threshold is the integrated count above which a pixel is sample
		Threshold float32 `yaml:"threshold"`

		// ErosionIterations removes isolated noise pixels
		ErosionIterations int `yaml:"erosionIterations"`

		// DilationIterations recovers extent lost to erosion
		DilationIterations int `yaml:"dilationIterations"`

		// FillHoles fills fully enclosed background holes
		FillHoles bool `yaml:"fillHoles"`
	} `yaml:"mask"`

	// Output parameters
	Output struct {
		// Path is where the compiled moment volumes are written; a missing
		// extension defaults to .vtk
		Path string `yaml:"path"`

		// Verbose controls per-layer progress printing
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.DataName = "instrument/pco_ff/image"
	cfg.Input.MotorNames = []string{"instrument/chi/value", "instrument/diffry/value"}
	cfg.Input.MotorPrecision = []int{4, 4}

	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Threshold = "none"

	mask := scan.DefaultMaskParams()
	cfg.Mask.Threshold = mask.Threshold
	cfg.Mask.ErosionIterations = mask.ErosionIterations
	cfg.Mask.DilationIterations = mask.DilationIterations
	cfg.Mask.FillHoles = mask.FillHoles

	cfg.Output.Path = "moment_maps.vtk"
	cfg.Output.Verbose = true

	return cfg
}

// MaskParams converts the mask section to the parameter struct used by the
// estimator.
func (c *Config) MaskParams() scan.MaskParams {
	return scan.MaskParams{
		Threshold:          c.Mask.Threshold,
		ErosionIterations:  c.Mask.ErosionIterations,
		DilationIterations: c.Mask.DilationIterations,
		FillHoles:          c.Mask.FillHoles,
	}
}

// Region converts the processing roi list to a scan.ROI, or nil when the
// list is empty.
func (c *Config) Region() (*scan.ROI, error) {
	if len(c.Processing.ROI) == 0 {
		return nil, nil
	}
	if len(c.Processing.ROI) != 4 {
		return nil, fmt.Errorf("roi must have 4 entries [rowMin rowMax colMin colMax], got %d", len(c.Processing.ROI))
	}
	r := c.Processing.ROI
	return &scan.ROI{RowMin: r[0], RowMax: r[1], ColMin: r[2], ColMax: r[3]}, nil
}

// Threshold parses the processing threshold setting: "none" or empty skips
// subtraction, "auto" estimates the background per layer, and a non-negative
// integer subtracts that fixed value (zero included).
func (c *Config) Threshold() (pipeline.Threshold, error) {
	switch c.Processing.Threshold {
	case "", "none":
		return pipeline.Threshold{}, nil
	case "auto":
		return pipeline.AutoThreshold(), nil
	default:
		v, err := strconv.ParseUint(c.Processing.Threshold, 10, 16)
		if err != nil {
			return pipeline.Threshold{}, fmt.Errorf("threshold must be none, auto, or an integer in [0, 65535]: %q", c.Processing.Threshold)
		}
		return pipeline.FixedThreshold(uint16(v)), nil
	}
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
