package rpn

import "github.com/pkg/errors"

var (
	// ErrInvalidOutputMode is returned by ParseOutputMode and Forward for unknown modes.
	ErrInvalidOutputMode = errors.New("invalid output mode")
	// ErrInvalidInferenceMode is returned by ParseInferenceMode and Inference for unknown modes.
	ErrInvalidInferenceMode = errors.New("invalid inference mode")
)

// OutputMode selects what Forward returns.
type OutputMode int

const (
	// OutputLoss returns only the loss terms.
	OutputLoss OutputMode = iota + 1
	// OutputAll also returns the intermediate tensors needed by a second stage.
	OutputAll
)

func (m OutputMode) String() string {
	switch m {
	case OutputLoss:
		return "loss"
	case OutputAll:
		return "all"
	default:
		return "invalid"
	}
}

// ParseOutputMode maps "loss" or "all" to an OutputMode.
func ParseOutputMode(s string) (OutputMode, error) {
	switch s {
	case "loss":
		return OutputLoss, nil
	case "all":
		return OutputAll, nil
	default:
		return 0, errors.Wrapf(ErrInvalidOutputMode, "%q", s)
	}
}

// InferenceMode selects whether Inference also returns the feature map.
type InferenceMode int

const (
	// ModeRPN returns proposals only.
	ModeRPN InferenceMode = iota + 1
	// ModeFasterRCNN returns proposals and the backbone features for a second stage.
	ModeFasterRCNN
)

func (m InferenceMode) String() string {
	switch m {
	case ModeRPN:
		return "RPN"
	case ModeFasterRCNN:
		return "FasterRCNN"
	default:
		return "invalid"
	}
}

// ParseInferenceMode maps "RPN" or "FasterRCNN" to an InferenceMode.
func ParseInferenceMode(s string) (InferenceMode, error) {
	switch s {
	case "RPN":
		return ModeRPN, nil
	case "FasterRCNN":
		return ModeFasterRCNN, nil
	default:
		return 0, errors.Wrapf(ErrInvalidInferenceMode, "%q", s)
	}
}

// Thresholds filter inference output.
type Thresholds struct {
	// Objectness is the minimum object probability, sigmoid(logit), a cell
	// must reach to produce a proposal.
	Objectness float32 `json:"objectness" yaml:"objectness"`
	// NMS is the IoU above which a lower-ranked proposal is suppressed.
	NMS float32 `json:"nms" yaml:"nms"`
}

// DefaultThresholds returns an objectness threshold of 0.5 and an NMS threshold of 0.7.
func DefaultThresholds() Thresholds {
	return Thresholds{Objectness: 0.5, NMS: 0.7}
}
