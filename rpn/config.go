package rpn

import (
	"runtime"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/anchors"
)

var (
	// ErrUnsupportedDevice is returned for a Device other than "cpu".
	ErrUnsupportedDevice = errors.New("unsupported device")
	// ErrUnknownSampler is returned for a Sampler other than "random" or "strided".
	ErrUnknownSampler = errors.New("unknown negative sampler")
)

// Sampler names accepted by Config.Sampler.
const (
	SamplerRandom  = "random"
	SamplerStrided = "strided"
)

// Config represents the configuration of a region proposal network.
type Config struct {
	// Templates are the anchor shapes in feature-map cells.
	Templates []anchors.Template `json:"templates" yaml:"templates"`

	// Proposal configures the prediction head. Proposal.NumAnchors must equal len(Templates).
	Proposal ProposalConfig `json:"proposal" yaml:"proposal"`

	// PosThresh marks an anchor positive when its IoU with a box exceeds it.
	PosThresh float32 `json:"pos_thresh" yaml:"pos_thresh"`

	// NegThresh marks an anchor negative when its best IoU is below it.
	NegThresh float32 `json:"neg_thresh" yaml:"neg_thresh"`

	// ObjectnessWeight and RegressionWeight combine the two loss terms.
	ObjectnessWeight float32 `json:"objectness_weight" yaml:"objectness_weight"`
	RegressionWeight float32 `json:"regression_weight" yaml:"regression_weight"`

	// Sampler selects how negatives are drawn: "random" (with replacement) or "strided".
	Sampler string `json:"sampler" yaml:"sampler"`

	// Seed seeds the random sampler.
	Seed int64 `json:"seed" yaml:"seed"`

	// Device selects where tensors are allocated. Only "cpu" is supported.
	Device string `json:"device" yaml:"device"`

	// Workers bounds the number of images processed concurrently during inference.
	Workers int `json:"workers" yaml:"workers"`
}

// DefaultConfig returns the reference RPN configuration: nine anchor
// templates, a 256-wide head, IoU thresholds of 0.7 and 0.2, and loss
// weights of 1 and 5.
//
// Returns:
//   - Config: The default configuration
//
// @example
// cfg := rpn.DefaultConfig()
// cfg.Sampler = rpn.SamplerStrided
// net, err := rpn.New(cfg, extractor, log)
func DefaultConfig() Config {
	templates := anchors.DefaultTemplates()
	proposal := DefaultProposalConfig()
	proposal.NumAnchors = len(templates)
	return Config{
		Templates:        templates,
		Proposal:         proposal,
		PosThresh:        0.7,
		NegThresh:        0.2,
		ObjectnessWeight: 1,
		RegressionWeight: 5,
		Sampler:          SamplerRandom,
		Seed:             1,
		Device:           "cpu",
		Workers:          runtime.NumCPU(),
	}
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if err := c.Proposal.Validate(); err != nil {
		return err
	}
	if len(c.Templates) != c.Proposal.NumAnchors {
		return errors.Errorf("%d anchor templates but the proposal head predicts %d", len(c.Templates), c.Proposal.NumAnchors)
	}
	if c.PosThresh < 0 || c.PosThresh > 1 || c.NegThresh < 0 || c.NegThresh > 1 {
		return errors.Errorf("IoU thresholds must be in [0, 1], got pos=%v neg=%v", c.PosThresh, c.NegThresh)
	}
	if c.ObjectnessWeight < 0 || c.RegressionWeight < 0 {
		return errors.Errorf("loss weights must be non-negative, got %v and %v", c.ObjectnessWeight, c.RegressionWeight)
	}
	if _, err := c.sampler(); err != nil {
		return err
	}
	if _, err := ResolveEngine(c.Device); err != nil {
		return err
	}
	if c.Workers < 0 {
		return errors.Errorf("workers must be non-negative, got %d", c.Workers)
	}
	return nil
}

func (c Config) sampler() (anchors.Sampler, error) {
	switch c.Sampler {
	case SamplerRandom, "":
		return anchors.NewRandomSampler(c.Seed), nil
	case SamplerStrided:
		return anchors.StridedSampler{}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownSampler, "%q", c.Sampler)
	}
}

// ResolveEngine maps a device name to the tensor engine used for every
// tensor the network allocates. An empty name means "cpu".
func ResolveEngine(device string) (tensor.Engine, error) {
	switch device {
	case "cpu", "":
		return tensor.StdEng{}, nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedDevice, "%q", device)
	}
}
