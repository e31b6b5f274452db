package ssn

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUpsampleRatio = errors.New("input_dim must be feat_map_dim times a power of two")
var ErrInvalidConfig = errors.New("Invalid configuration")

const (
	DefaultInputDim      = 224
	DefaultFeatMapDim    = 14
	DefaultHiddenDim     = 1024 // Channels of the default backbone layer
	DefaultEmbeddingDim  = 512
	DefaultNumPredicates = 70
	DefaultNumObjects    = 100
	DefaultBackbone      = "resnet50_imagenet"
	DefaultBackboneLayer = "activation_40"
)

// Config describes one SSN architecture
type Config struct {
	InputDim      int     `json:"input_dim" yaml:"input_dim"`           // Side length of the square input image
	FeatMapDim    int     `json:"feat_map_dim" yaml:"feat_map_dim"`     // Side length of the backbone's feature map
	HiddenDim     int     `json:"hidden_dim" yaml:"hidden_dim"`         // Subject/object embedding width. Must equal the backbone's channel count.
	EmbeddingDim  int     `json:"embedding_dim" yaml:"embedding_dim"`   // Declared, not consulted
	NumPredicates int     `json:"num_predicates" yaml:"num_predicates"` // Predicate vocabulary size
	NumObjects    int     `json:"num_objects" yaml:"num_objects"`       // Subject/object vocabulary size
	Dropout       float64 `json:"dropout" yaml:"dropout"`               // Declared, not consulted
	UseSubject    bool    `json:"use_subject" yaml:"use_subject"`       // Declared, not consulted
	UsePredicate  bool    `json:"use_predicate" yaml:"use_predicate"`   // Declared, not consulted
	UseObject     bool    `json:"use_object" yaml:"use_object"`         // Declared, not consulted
	MapTransform  string  `json:"map_transform" yaml:"map_transform"`   // "dense" or "conv"
	Backbone      string  `json:"backbone" yaml:"backbone"`             // Identifier of the pretrained backbone weights
	BackboneLayer string  `json:"backbone_layer" yaml:"backbone_layer"` // Activation at which the backbone is cut
	Seed          uint64  `json:"seed" yaml:"seed"`                     // Seed for trainable parameter initialization
}

// Create a default configuration
func NewConfig() *Config {
	return &Config{
		InputDim:      DefaultInputDim,
		FeatMapDim:    DefaultFeatMapDim,
		HiddenDim:     DefaultHiddenDim,
		EmbeddingDim:  DefaultEmbeddingDim,
		NumPredicates: DefaultNumPredicates,
		NumObjects:    DefaultNumObjects,
		Dropout:       0,
		UseSubject:    true,
		UsePredicate:  true,
		UseObject:     true,
		MapTransform:  MapTransformDense,
		Backbone:      DefaultBackbone,
		BackboneLayer: DefaultBackboneLayer,
		Seed:          1,
	}
}

// LoadConfig reads a .json or .yaml file over the defaults, and validates the result
func LoadConfig(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := NewConfig()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		err = json.Unmarshal(b, config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, config)
	default:
		return nil, fmt.Errorf("Unknown config file type '%v'", filepath.Ext(filename))
	}
	if err != nil {
		return nil, fmt.Errorf("Failed to parse %v: %w", filename, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// UpsampleSteps returns k, where input_dim = feat_map_dim * 2^k
func (c *Config) UpsampleSteps() (int, error) {
	if c.FeatMapDim <= 0 || c.InputDim < c.FeatMapDim || c.InputDim%c.FeatMapDim != 0 {
		return 0, fmt.Errorf("%w (input_dim %v, feat_map_dim %v)", ErrUpsampleRatio, c.InputDim, c.FeatMapDim)
	}
	ratio := uint(c.InputDim / c.FeatMapDim)
	if bits.OnesCount(ratio) != 1 {
		return 0, fmt.Errorf("%w (input_dim %v, feat_map_dim %v)", ErrUpsampleRatio, c.InputDim, c.FeatMapDim)
	}
	return bits.TrailingZeros(ratio), nil
}

func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"input_dim", c.InputDim},
		{"feat_map_dim", c.FeatMapDim},
		{"hidden_dim", c.HiddenDim},
		{"num_predicates", c.NumPredicates},
		{"num_objects", c.NumObjects},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: %v must be positive, but is %v", ErrInvalidConfig, p.name, p.value)
		}
	}
	// Category ids are fed to the graph as int32
	if c.NumObjects > math.MaxInt32 || c.NumPredicates > math.MaxInt32 {
		return fmt.Errorf("%w: vocabularies are limited to %v entries", ErrInvalidConfig, math.MaxInt32)
	}
	if c.EmbeddingDim < 0 {
		return fmt.Errorf("%w: embedding_dim may not be negative", ErrInvalidConfig)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("%w: dropout must be in [0, 1), but is %v", ErrInvalidConfig, c.Dropout)
	}
	if _, err := NewMapTransform(c.MapTransform, c); err != nil {
		return err
	}
	_, err := c.UpsampleSteps()
	return err
}
