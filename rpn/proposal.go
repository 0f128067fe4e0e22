package rpn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/anchors"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/nn"
	"github.com/nvr-ai/go-rcnn/transform"
)

// ErrNoAnchors is returned when the proposal head is configured with zero anchors.
var ErrNoAnchors = errors.New("proposal head needs at least one anchor per cell")

// Per-anchor prediction layout: two objectness logits, then four offsets.
const (
	scoreDepth  = 2
	offsetDepth = 4
	anchorDepth = scoreDepth + offsetDepth
)

// ProposalConfig configures the proposal head.
type ProposalConfig struct {
	// InDim is the feature depth D of the backbone output.
	InDim int `json:"in_dim" yaml:"in_dim"`
	// HiddenDim is the width of the intermediate 3x3 convolution.
	HiddenDim int `json:"hidden_dim" yaml:"hidden_dim"`
	// NumAnchors is the number of anchor templates per cell.
	NumAnchors int `json:"num_anchors" yaml:"num_anchors"`
	// DropRatio is the dropout probability applied while training.
	DropRatio float64 `json:"drop_ratio" yaml:"drop_ratio"`
	// LeakyAlpha is the negative slope of the hidden activation.
	LeakyAlpha float64 `json:"leaky_alpha" yaml:"leaky_alpha"`
}

// DefaultProposalConfig returns a head for 64-channel features with nine
// anchors per cell.
func DefaultProposalConfig() ProposalConfig {
	return ProposalConfig{
		InDim:      64,
		HiddenDim:  256,
		NumAnchors: 9,
		DropRatio:  0.3,
		LeakyAlpha: 0.01,
	}
}

// Validate reports the first configuration error.
func (c ProposalConfig) Validate() error {
	if c.NumAnchors == 0 {
		return ErrNoAnchors
	}
	if c.NumAnchors < 0 || c.InDim <= 0 || c.HiddenDim <= 0 {
		return errors.Errorf("invalid proposal head dims in=%d hidden=%d anchors=%d", c.InDim, c.HiddenDim, c.NumAnchors)
	}
	if c.DropRatio < 0 || c.DropRatio >= 1 {
		return errors.Errorf("drop ratio %v out of range [0, 1)", c.DropRatio)
	}
	return nil
}

// ProposalModule predicts, for every anchor of every cell, two objectness
// logits (object, background) and a four-value box offset. The predictor is
// a 3x3 convolution, dropout, leaky ReLU and a 1x1 convolution to 6*A channels.
type ProposalModule struct {
	cfg    ProposalConfig
	hidden *nn.Conv2D
	out    *nn.Conv2D
	eng    tensor.Engine
}

// Dense holds the prediction for every anchor. Scores is (B, A, 2, H, W)
// and Offsets is (B, A, 4, H, W).
type Dense struct {
	Scores  *tensor.Dense
	Offsets *tensor.Dense
	Index   anchors.Index
}

// Targets selects the anchors the training path is scored on. Positive and
// Negative hold flat anchor indices; PositiveBoxes holds the anchor box of
// each positive.
type Targets struct {
	Positive      []int
	Negative      []int
	PositiveBoxes []images.Box
}

// Sparse holds the predictions gathered at the target anchors. Scores is
// (2M, 2) with the M positive rows first, Offsets is (M, 4) and Proposals is
// (M, 4), the positive anchors refined by their predicted offsets.
type Sparse struct {
	Scores    *tensor.Dense
	Offsets   *tensor.Dense
	Proposals *tensor.Dense
}

// NewProposalModule returns a randomly initialised proposal head.
//
// Arguments:
//   - cfg: The head configuration.
//   - eng: The engine predictions are allocated on. nil selects the default engine.
//
// Returns:
//   - The module.
//   - ErrNoAnchors when cfg.NumAnchors is zero, or an error for other invalid sizes.
func NewProposalModule(cfg ProposalConfig, eng tensor.Engine) (*ProposalModule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hidden, err := nn.NewConv2D("rpn.hidden", cfg.InDim, cfg.HiddenDim, 3, 1, 1)
	if err != nil {
		return nil, err
	}
	out, err := nn.NewConv2D("rpn.out", cfg.HiddenDim, anchorDepth*cfg.NumAnchors, 1, 0, 1)
	if err != nil {
		return nil, err
	}
	return &ProposalModule{cfg: cfg, hidden: hidden, out: out, eng: eng}, nil
}

// Config returns the module configuration.
func (p *ProposalModule) Config() ProposalConfig { return p.cfg }

// predict runs the head and returns the raw (B, 6A, H, W) output, which is
// (B, A, 6, H, W) in row-major order, with its anchor index.
func (p *ProposalModule) predict(features *tensor.Dense, training bool) ([]float32, anchors.Index, error) {
	s := features.Shape()
	if len(s) != 4 || s[1] != p.cfg.InDim {
		return nil, anchors.Index{}, errors.Errorf("features must have shape (B, %d, H, W), got %v", p.cfg.InDim, s)
	}
	ix, err := anchors.NewIndex(s[0], p.cfg.NumAnchors, s[2], s[3])
	if err != nil {
		return nil, anchors.Index{}, err
	}

	out, err := nn.Run(p.eng, func(g *G.ExprGraph) ([]*G.Node, error) {
		x := nn.Input(g, "features", features)
		h, err := p.hidden.Apply(g, x)
		if err != nil {
			return nil, err
		}
		if h, err = nn.Dropout(h, p.cfg.DropRatio, training); err != nil {
			return nil, err
		}
		if h, err = G.LeakyRelu(h, p.cfg.LeakyAlpha); err != nil {
			return nil, err
		}
		y, err := p.out.Apply(g, h)
		return []*G.Node{y}, err
	})
	if err != nil {
		return nil, anchors.Index{}, errors.Wrap(err, "proposal head")
	}
	raw, err := nn.Float32s(out[0])
	if err != nil {
		return nil, anchors.Index{}, err
	}
	return raw, ix, nil
}

// PredictDense runs the head on every anchor.
//
// Arguments:
//   - features: The (B, InDim, H, W) backbone output.
//   - training: Enables dropout.
//
// Returns:
//   - Scores (B, A, 2, H, W) and offsets (B, A, 4, H, W).
//   - An error for features of the wrong depth.
func (p *ProposalModule) PredictDense(features *tensor.Dense, training bool) (*Dense, error) {
	raw, ix, err := p.predict(features, training)
	if err != nil {
		return nil, err
	}

	plane := ix.Height * ix.Width
	groups := ix.Batch * ix.Anchors
	scores := make([]float32, groups*scoreDepth*plane)
	offsets := make([]float32, groups*offsetDepth*plane)
	for g := 0; g < groups; g++ {
		src := raw[g*anchorDepth*plane : (g+1)*anchorDepth*plane]
		copy(scores[g*scoreDepth*plane:], src[:scoreDepth*plane])
		copy(offsets[g*offsetDepth*plane:], src[scoreDepth*plane:])
	}

	return &Dense{
		Scores:  nn.Dense(p.eng, scores, ix.Batch, ix.Anchors, scoreDepth, ix.Height, ix.Width),
		Offsets: nn.Dense(p.eng, offsets, ix.Batch, ix.Anchors, offsetDepth, ix.Height, ix.Width),
		Index:   ix,
	}, nil
}

// PredictForTargets runs the head in training mode and gathers the
// predictions at the target anchors. Positive proposals are decoded with
// the FasterRCNN parametrization.
//
// Arguments:
//   - features: The (B, InDim, H, W) backbone output.
//   - targets: The positive and negative anchors and the positive anchor boxes.
//
// Returns:
//   - Scores (2M, 2), offsets (M, 4) and proposals (M, 4).
//   - An error if the target lists are inconsistent or reference anchors
//     outside the feature map.
func (p *ProposalModule) PredictForTargets(features *tensor.Dense, targets Targets) (*Sparse, error) {
	m := len(targets.Positive)
	if len(targets.PositiveBoxes) != m {
		return nil, errors.Errorf("%d positive anchors but %d positive boxes", m, len(targets.PositiveBoxes))
	}
	if len(targets.Negative) != m {
		return nil, errors.Errorf("%d positive anchors but %d negative anchors", m, len(targets.Negative))
	}
	if m == 0 {
		return nil, errors.Wrap(anchors.ErrNoPositives, "predicting for targets")
	}

	raw, ix, err := p.predict(features, true)
	if err != nil {
		return nil, err
	}
	gathered := append(append(make([]int, 0, 2*m), targets.Positive...), targets.Negative...)
	for _, i := range gathered {
		if !ix.Contains(i) {
			return nil, errors.Errorf("anchor index %d out of range for %d anchors", i, ix.Len())
		}
	}

	scores := make([]float32, 0, 2*m*scoreDepth)
	for _, i := range gathered {
		for d := 0; d < scoreDepth; d++ {
			scores = append(scores, raw[ix.Offset(i, anchorDepth, d)])
		}
	}

	offsets := make([]float32, 0, m*offsetDepth)
	proposals := make([]float32, 0, m*4)
	for k, i := range targets.Positive {
		var off transform.Offset
		for d := range off {
			off[d] = raw[ix.Offset(i, anchorDepth, scoreDepth+d)]
		}
		proposal, err := transform.Decode(transform.FasterRCNN, targets.PositiveBoxes[k], off)
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, off[:]...)
		b := proposal.Array()
		proposals = append(proposals, b[:]...)
	}

	return &Sparse{
		Scores:    nn.Dense(p.eng, scores, 2*m, scoreDepth),
		Offsets:   nn.Dense(p.eng, offsets, m, offsetDepth),
		Proposals: nn.Dense(p.eng, proposals, m, 4),
	}, nil
}
