// Package config loads stage configuration files.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StageConfig describes one model stage.
type StageConfig struct {
	// Graph is a local path or a gs://, s3:// or http(s):// URI.
	Graph   string         `yaml:"graph"`
	Inputs  []InputConfig  `yaml:"inputs"`
	Outputs []OutputConfig `yaml:"outputs"`

	// UserPlaceholders are expressions like "drop_rate=0.5 is_training=false".
	UserPlaceholders []string `yaml:"userPlaceholders,omitempty"`
	Targets          []string `yaml:"targets,omitempty"`

	// Center is the pixel index Execute is run at. Defaults to the centre of the first image.
	Center []int `yaml:"center,omitempty"`
}

type InputConfig struct {
	Placeholder    string      `yaml:"placeholder"`
	ReceptiveField []int       `yaml:"receptiveField"`
	Image          ImageConfig `yaml:"image"`
}

// ImageConfig describes a synthetic constant image.
type ImageConfig struct {
	Size       []int     `yaml:"size"`
	Components int       `yaml:"components"`
	Spacing    []float64 `yaml:"spacing,omitempty"`
	Fill       float32   `yaml:"fill,omitempty"`
}

type OutputConfig struct {
	Tensor          string `yaml:"tensor"`
	ExpressionField []int  `yaml:"expressionField"`
}

// Load reads a YAML stage file and applies environment overrides.
func Load(p string) (*StageConfig, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading stage config %q: %w", p, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("stage config %q: %w", p, err)
	}
	return cfg, nil
}

// Parse decodes a YAML stage config, applies environment overrides and validates the result.
func Parse(data []byte) (*StageConfig, error) {
	cfg := &StageConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets TENSORSTAGE_GRAPH and TENSORSTAGE_TARGETS (comma separated) override the file.
func (c *StageConfig) applyEnv() {
	c.Graph = getEnv("TENSORSTAGE_GRAPH", c.Graph)
	if targets := getEnv("TENSORSTAGE_TARGETS", ""); targets != "" {
		c.Targets = nil
		for _, t := range strings.Split(targets, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.Targets = append(c.Targets, t)
			}
		}
	}
}

// Validate reports missing or malformed fields. Count consistency between
// placeholders and images is structural here, so it is enforced by the model.
func (c *StageConfig) Validate() error {
	if c.Graph == "" {
		return fmt.Errorf("graph is required")
	}
	for i, in := range c.Inputs {
		if in.Placeholder == "" {
			return fmt.Errorf("inputs[%d]: placeholder is required", i)
		}
		if len(in.ReceptiveField) == 0 {
			return fmt.Errorf("inputs[%d] (%s): receptiveField is required", i, in.Placeholder)
		}
		if len(in.Image.Size) != len(in.ReceptiveField) {
			return fmt.Errorf("inputs[%d] (%s): image size %v and receptive field %v differ in dimensions",
				i, in.Placeholder, in.Image.Size, in.ReceptiveField)
		}
		if in.Image.Components <= 0 {
			return fmt.Errorf("inputs[%d] (%s): image components must be positive", i, in.Placeholder)
		}
	}
	for i, out := range c.Outputs {
		if out.Tensor == "" {
			return fmt.Errorf("outputs[%d]: tensor is required", i)
		}
		if len(out.ExpressionField) == 0 {
			return fmt.Errorf("outputs[%d] (%s): expressionField is required", i, out.Tensor)
		}
	}
	if len(c.Inputs) > 0 && c.Center != nil && len(c.Center) != len(c.Inputs[0].Image.Size) {
		return fmt.Errorf("center %v does not match image dimensions %v", c.Center, c.Inputs[0].Image.Size)
	}
	return nil
}

// CenterIndex returns Center, or the centre pixel of the first input image.
func (c *StageConfig) CenterIndex() []int {
	if c.Center != nil {
		return c.Center
	}
	if len(c.Inputs) == 0 {
		return nil
	}
	size := c.Inputs[0].Image.Size
	center := make([]int, len(size))
	for i, d := range size {
		center[i] = d / 2
	}
	return center
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
