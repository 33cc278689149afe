package chamfer

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by evaluator.backend
const (
	BackendReference   = "reference"
	BackendAccelerated = "accelerated"
)

// DefaultConfig returns the settings used for keys the file leaves out
func DefaultConfig() *Config {
	return &Config{
		Transform: TransformConfig{MaskSize: 3, Method: MethodChamfer.String()},
		Evaluator: EvaluatorConfig{Backend: BackendAccelerated},
		MultiView: MultiViewConfig{Stride: 1},
		MQTT: MQTTConfig{
			PublishPrefix: "chamferlik",
			ClientID:      "chamferlik",
		},
		HTTP: HTTPConfig{Port: 8080},
	}
}

// LoadConfig loads the configuration from a YAML file on top of
// DefaultConfig and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks every section. Errors wrap ErrInvalidInput.
func (c *Config) Validate() error {
	if c.Grid.Rows <= 0 || c.Grid.Cols <= 0 {
		return fmt.Errorf("%w: grid.rows and grid.cols must be positive", ErrInvalidInput)
	}
	if _, err := c.TransformOptions(); err != nil {
		return err
	}
	switch c.Evaluator.Backend {
	case BackendReference, BackendAccelerated:
	default:
		return fmt.Errorf("%w: evaluator.backend must be %q or %q, got %q",
			ErrInvalidInput, BackendReference, BackendAccelerated, c.Evaluator.Backend)
	}
	if c.Evaluator.Lanes < 0 {
		return fmt.Errorf("%w: evaluator.lanes must not be negative", ErrInvalidInput)
	}
	if c.MultiView.Stride < 0 {
		return fmt.Errorf("%w: multiview.stride must not be negative", ErrInvalidInput)
	}
	if len(c.Views) == 0 {
		return fmt.Errorf("%w: at least one view must be defined", ErrInvalidInput)
	}
	for _, v := range c.MultiView.Views {
		if v < 0 || v >= len(c.Views) {
			return fmt.Errorf("%w: multiview.views entry %d outside %d views", ErrInvalidInput, v, len(c.Views))
		}
	}
	if c.Scene.Simplify < 0 {
		return fmt.Errorf("%w: scene.simplify must not be negative", ErrInvalidInput)
	}

	seen := make(map[string]bool)
	for i, vc := range c.Views {
		if vc.ID == "" {
			return fmt.Errorf("%w: views[%d].id is required", ErrInvalidInput, i)
		}
		if seen[vc.ID] {
			return fmt.Errorf("%w: duplicate view id %q", ErrInvalidInput, vc.ID)
		}
		seen[vc.ID] = true
		if vc.Edges == "" && vc.URL == "" && vc.Topic == "" {
			return fmt.Errorf("%w: views[%d] needs edges, url or topic for %s", ErrInvalidInput, i, vc.ID)
		}
		if vc.Poll < 0 || (vc.Poll > 0 && vc.URL == "") {
			return fmt.Errorf("%w: views[%d].poll needs a url and a positive interval for %s", ErrInvalidInput, i, vc.ID)
		}
		if m := vc.GetTransform(); math.Abs(m.Determinant()) < 1e-12 {
			return fmt.Errorf("%w: views[%d].transform is singular for %s", ErrInvalidInput, i, vc.ID)
		}
	}
	return nil
}

// TransformOptions converts the transform section for BuildDistanceField
func (c *Config) TransformOptions() (TransformOptions, error) {
	method, err := ParseMethod(c.Transform.Method)
	if err != nil {
		return TransformOptions{}, err
	}
	switch c.Transform.MaskSize {
	case 0, 3, 5, 7:
	default:
		return TransformOptions{}, fmt.Errorf("%w: transform.maskSize must be 3, 5 or 7", ErrInvalidInput)
	}
	if c.Transform.Window < 0 {
		return TransformOptions{}, fmt.Errorf("%w: transform.window must not be negative", ErrInvalidInput)
	}
	return TransformOptions{MaskSize: c.Transform.MaskSize, Window: c.Transform.Window, Method: method}, nil
}

// AggregatorOptions converts the evaluator and multiview sections
func (c *Config) AggregatorOptions() AggregatorOptions {
	return AggregatorOptions{
		Stride:   c.MultiView.Stride,
		Views:    append([]int(nil), c.MultiView.Views...),
		Squared:  c.Evaluator.Squared,
		FlipRows: c.Evaluator.FlipRows,
	}
}

// SceneOptions converts the scene section
func (c *Config) SceneOptions() SceneOptions {
	return SceneOptions{BottomUp: c.Scene.BottomUp, Simplify: c.Scene.Simplify}
}

// ParseViewList parses a --views CLI value
// Format: "0,2,5"
func ParseViewList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var views []int
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("%w: view list entry %q", ErrInvalidInput, part)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: negative view %d", ErrInvalidInput, v)
		}
		views = append(views, v)
	}
	return views, nil
}
