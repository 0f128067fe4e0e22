// Package detector - Two-stage (Faster R-CNN style) object detector: region
// proposals from the RPN, RoI-aligned proposal features and a region classifier.
package detector

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-rcnn/backbone"
	"github.com/nvr-ai/go-rcnn/roi"
	"github.com/nvr-ai/go-rcnn/rpn"
)

// ErrNoClasses is returned when the detector is configured with zero classes.
var ErrNoClasses = errors.New("detector needs at least one class")

// Config represents the configuration of a two-stage detector.
type Config struct {
	// RPN configures the first stage.
	RPN rpn.Config `json:"rpn" yaml:"rpn"`

	// Backbone configures the reference extractor used when New is given none.
	Backbone backbone.Config `json:"backbone" yaml:"backbone"`

	// NumClasses is the number of object categories the classifier predicts.
	NumClasses int `json:"num_classes" yaml:"num_classes"`

	// ClassNames optionally labels the classes. Empty, or one name per class.
	ClassNames []string `json:"class_names" yaml:"class_names"`

	// ClassSet names a predefined label set (see ClassSets). ParseConfig uses
	// it to fill ClassNames and NumClasses.
	ClassSet string `json:"class_set" yaml:"class_set"`

	// HiddenDim is the width of the classifier's hidden layer.
	HiddenDim int `json:"hidden_dim" yaml:"hidden_dim"`

	// DropRatio is the classifier dropout probability applied while training.
	DropRatio float64 `json:"drop_ratio" yaml:"drop_ratio"`

	// RoI configures the pooling of proposal features.
	RoI roi.AlignConfig `json:"roi" yaml:"roi"`

	// InputWidth and InputHeight are the size DetectImages resizes images to.
	InputWidth  int `json:"input_width" yaml:"input_width"`
	InputHeight int `json:"input_height" yaml:"input_height"`
}

// DefaultConfig returns a detector for the 20 VOC classes over the
// reference backbone, with 2x2 RoI pooling and 224x224 input.
//
// Returns:
//   - Config: The default configuration
//
// @example
// cfg := detector.DefaultConfig()
// cfg.NumClasses = 3
// cfg.ClassNames = []string{"person", "car", "dog"}
// det, err := detector.New(cfg, nil, log)
func DefaultConfig() Config {
	bb := backbone.DefaultConfig()
	r := rpn.DefaultConfig()
	r.Proposal.InDim = bb.OutChannels
	return Config{
		RPN:         r,
		Backbone:    bb,
		NumClasses:  len(VOCClasses),
		ClassNames:  append([]string(nil), VOCClasses...),
		ClassSet:    "voc",
		HiddenDim:   256,
		DropRatio:   0.3,
		RoI:         roi.DefaultAlignConfig(),
		InputWidth:  224,
		InputHeight: 224,
	}
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.NumClasses == 0 {
		return ErrNoClasses
	}
	if c.NumClasses < 0 {
		return errors.Errorf("invalid class count %d", c.NumClasses)
	}
	if _, ok := ClassSets[c.ClassSet]; c.ClassSet != "" && !ok {
		return errors.Wrapf(ErrUnknownClassSet, "%q", c.ClassSet)
	}
	if len(c.ClassNames) != 0 && len(c.ClassNames) != c.NumClasses {
		return errors.Errorf("%d class names for %d classes", len(c.ClassNames), c.NumClasses)
	}
	if c.HiddenDim <= 0 {
		return errors.Errorf("invalid classifier hidden dim %d", c.HiddenDim)
	}
	if c.DropRatio < 0 || c.DropRatio >= 1 {
		return errors.Errorf("classifier drop ratio %v out of range [0, 1)", c.DropRatio)
	}
	if c.RoI.OutH <= 0 || c.RoI.OutW <= 0 {
		return errors.Errorf("invalid RoI output size %dx%d", c.RoI.OutW, c.RoI.OutH)
	}
	if c.InputWidth <= 0 || c.InputHeight <= 0 {
		return errors.Errorf("invalid input size %dx%d", c.InputWidth, c.InputHeight)
	}
	return c.RPN.Validate()
}

// ParseConfig decodes a YAML document over DefaultConfig and validates the
// result. Keys that are absent keep their default values, with these
// exceptions:
//   - class_set fills class_names, and num_classes follows class_names.
//   - The default class names are dropped when only num_classes changes.
//   - rpn.proposal.num_anchors follows rpn.templates.
//
// Arguments:
//   - data: The YAML document.
//
// Returns:
//   - The configuration, or a decoding or validation error.
//
// @example
// cfg, err := detector.ParseConfig([]byte("num_classes: 3\nrpn:\n  sampler: strided\n"))
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding detector config")
	}
	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return Config{}, errors.Wrap(err, "decoding detector config")
	}
	switch {
	case hasKey(keys, "class_set") && !hasKey(keys, "class_names"):
		names, err := LookupClassSet(cfg.ClassSet)
		if err != nil {
			return Config{}, errors.Wrap(err, "invalid detector config")
		}
		cfg.ClassNames = names
	case hasKey(keys, "class_names"):
		if !hasKey(keys, "class_set") {
			cfg.ClassSet = ""
		}
	case hasKey(keys, "num_classes"):
		if cfg.NumClasses != len(cfg.ClassNames) {
			cfg.ClassNames, cfg.ClassSet = nil, ""
		}
	}
	if !hasKey(keys, "num_classes") && len(cfg.ClassNames) > 0 {
		cfg.NumClasses = len(cfg.ClassNames)
	}
	if hasKey(keys, "rpn", "templates") && !hasKey(keys, "rpn", "proposal", "num_anchors") {
		cfg.RPN.Proposal.NumAnchors = len(cfg.RPN.Templates)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid detector config")
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading %s", path)
	}
	return ParseConfig(data)
}

// hasKey reports whether the nested mapping m contains the key path.
func hasKey(m map[string]any, path ...string) bool {
	for i, key := range path {
		v, ok := m[key]
		if !ok {
			return false
		}
		if i == len(path)-1 {
			return true
		}
		if m, ok = v.(map[string]any); !ok {
			return false
		}
	}
	return false
}
