// Package rpn - Region proposal network: the proposal head, the training loss
// path and the proposal inference path.
package rpn

import (
	"context"
	"runtime"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/anchors"
	"github.com/nvr-ai/go-rcnn/backbone"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/nvr-ai/go-rcnn/nn"
	"github.com/nvr-ai/go-rcnn/transform"
)

var (
	// ErrNoPositiveAnchors is returned by Forward when no anchor matches any ground-truth box.
	ErrNoPositiveAnchors = anchors.ErrNoPositives
	// ErrNoNegativeAnchors is returned by Forward when every anchor overlaps some box.
	ErrNoNegativeAnchors = anchors.ErrNoNegatives
)

// Stride is the number of image pixels per feature-map cell.
type Stride struct {
	X, Y float32
}

// ToFeature converts a pixel-space box to feature-map space.
func (s Stride) ToFeature(b images.Box) images.Box {
	return b.Scale(1/s.X, 1/s.Y)
}

// ToPixels converts a feature-map box to pixel space.
func (s Stride) ToPixels(b images.Box) images.Box {
	return b.Scale(s.X, s.Y)
}

// RPN is a region proposal network over an opaque backbone.
type RPN struct {
	cfg       Config
	extractor backbone.Extractor
	head      *ProposalModule
	templates *tensor.Dense
	sampler   anchors.Sampler
	eng       tensor.Engine
	log       logs.Log
}

// New validates cfg, resolves the device and builds the proposal head.
//
// Arguments:
//   - cfg: The network configuration.
//   - extractor: The backbone. Its OutChannels must equal cfg.Proposal.InDim.
//   - log: The logger. nil creates a default logger.
//
// Returns:
//   - The network.
//   - ErrNoAnchors, ErrUnsupportedDevice, ErrUnknownSampler or another
//     configuration error.
//
// @example
// extractor, _ := backbone.NewPatchify(backbone.DefaultConfig(), nil)
// net, err := rpn.New(rpn.DefaultConfig(), extractor, log)
func New(cfg Config, extractor backbone.Extractor, log logs.Log) (*RPN, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid RPN config")
	}
	if extractor == nil {
		return nil, errors.New("RPN needs a backbone")
	}
	if d := extractor.OutChannels(); d != cfg.Proposal.InDim {
		return nil, errors.Errorf("backbone produces %d channels but the proposal head expects %d", d, cfg.Proposal.InDim)
	}
	if log == nil {
		var err error
		if log, err = logs.NewLog(); err != nil {
			return nil, errors.Wrap(err, "creating logger")
		}
	}

	eng, err := ResolveEngine(cfg.Device)
	if err != nil {
		return nil, err
	}
	templates, err := anchors.NewTemplates(cfg.Templates, eng)
	if err != nil {
		return nil, err
	}
	head, err := NewProposalModule(cfg.Proposal, eng)
	if err != nil {
		return nil, err
	}
	sampler, err := cfg.sampler()
	if err != nil {
		return nil, err
	}

	log.Infof("RPN: %d anchor templates, head %d->%d, %s negatives, device %s",
		len(cfg.Templates), cfg.Proposal.InDim, cfg.Proposal.HiddenDim, cfg.Sampler, cfg.Device)

	return &RPN{
		cfg:       cfg,
		extractor: extractor,
		head:      head,
		templates: templates,
		sampler:   sampler,
		eng:       eng,
		log:       log,
	}, nil
}

// Config returns the network configuration.
func (r *RPN) Config() Config { return r.cfg }

// Engine returns the engine every tensor of the network is allocated on.
func (r *RPN) Engine() tensor.Engine { return r.eng }

// Head returns the proposal head.
func (r *RPN) Head() *ProposalModule { return r.head }

// features runs the backbone and lays the anchor grid over its output.
func (r *RPN) features(ctx context.Context, batch *tensor.Dense) (*tensor.Dense, *anchors.Set, Stride, error) {
	is := batch.Shape()
	if len(is) != 4 {
		return nil, nil, Stride{}, errors.Errorf("images must have shape (B, 3, H, W), got %v", is)
	}
	features, err := r.extractor.Extract(ctx, batch)
	if err != nil {
		return nil, nil, Stride{}, errors.Wrap(err, "backbone")
	}
	fs := features.Shape()
	if len(fs) != 4 || fs[0] != is[0] {
		return nil, nil, Stride{}, errors.Errorf("backbone returned shape %v for %d images", fs, is[0])
	}

	grid, err := anchors.GenerateGrid(fs[0], fs[3], fs[2], r.eng)
	if err != nil {
		return nil, nil, Stride{}, err
	}
	set, err := anchors.GenerateAnchor(r.templates, grid)
	if err != nil {
		return nil, nil, Stride{}, err
	}
	return features, set, r.stride(is, fs), nil
}

// stride is the backbone's own downsampling factor, or the image to feature
// size ratio when the backbone does not report one.
func (r *RPN) stride(in, out tensor.Shape) Stride {
	if s, ok := r.extractor.(backbone.Strider); ok {
		if x, y := s.Stride(); x > 0 && y > 0 {
			return Stride{X: float32(x), Y: float32(y)}
		}
	}
	return Stride{X: float32(in[3]) / float32(out[3]), Y: float32(in[2]) / float32(out[2])}
}

// Output is the result of Forward. The loss terms are always set; the
// remaining fields are set with OutputAll.
type Output struct {
	// Loss is ObjectnessWeight*Objectness + RegressionWeight*Regression.
	Loss       float32
	Objectness float32
	Regression float32

	// Scores are the (2M, 2) objectness logits, positives first.
	Scores *tensor.Dense
	// Proposals are the (M, 4) decoded positive proposals in feature-map space.
	Proposals *tensor.Dense
	// Features is the backbone output.
	Features *tensor.Dense
	// Classes is the ground-truth class of each positive.
	Classes []int
	// Positive and Negative are flat anchor indices.
	Positive []int
	Negative []int
	// AnchorsPerImage is A*H*W; Positive[i] / AnchorsPerImage is the image of proposal i.
	AnchorsPerImage int
	// Stride converts Proposals to pixel space.
	Stride Stride
}

// Forward runs the training path: backbone, anchor assignment against the
// ground truth, sparse prediction at the assigned anchors and the loss.
//
// Arguments:
//   - ctx: Cancels the call between stages.
//   - batch: The (B, 3, H, W) images.
//   - gt: The ground truth of each image in pixel coordinates. Entries with a
//     negative class are padding.
//   - mode: OutputLoss or OutputAll.
//
// Returns:
//   - The loss terms, plus the intermediate tensors with OutputAll.
//   - ErrInvalidOutputMode, ErrNoPositiveAnchors, ErrNoNegativeAnchors, or
//     an error for malformed input.
func (r *RPN) Forward(ctx context.Context, batch *tensor.Dense, gt [][]anchors.GroundTruth, mode OutputMode) (*Output, error) {
	if mode != OutputLoss && mode != OutputAll {
		return nil, errors.Wrapf(ErrInvalidOutputMode, "%d", int(mode))
	}
	features, set, stride, err := r.features(ctx, batch)
	if err != nil {
		return nil, err
	}
	b := set.Index.Batch
	if len(gt) != b {
		return nil, errors.Errorf("ground truth for %d images, batch has %d", len(gt), b)
	}

	scaled := make([][]anchors.GroundTruth, b)
	for i, boxes := range gt {
		scaled[i] = make([]anchors.GroundTruth, len(boxes))
		for j, g := range boxes {
			scaled[i][j] = anchors.GroundTruth{Box: stride.ToFeature(g.Box), Class: g.Class}
		}
	}

	iou, err := anchors.IoUMatrix(set, scaled)
	if err != nil {
		return nil, err
	}
	assignment, err := anchors.Assign(set, scaled, iou, anchors.AssignConfig{
		PosThresh: r.cfg.PosThresh,
		NegThresh: r.cfg.NegThresh,
		Method:    transform.FasterRCNN,
		Sampler:   r.sampler,
	})
	if err != nil {
		return nil, errors.Wrap(err, "assigning anchors")
	}
	r.log.Debugf("RPN: %d anchors per image, %d positives over %d images", set.Index.PerImage(), len(assignment.Positive), b)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sparse, err := r.head.PredictForTargets(features, Targets{
		Positive:      assignment.Positive,
		Negative:      assignment.Negative,
		PositiveBoxes: assignment.PositiveBoxes,
	})
	if err != nil {
		return nil, err
	}

	objectness, err := nn.ObjectnessLoss(sparse.Scores, b)
	if err != nil {
		return nil, err
	}
	targets := make([]float32, 0, 4*len(assignment.Offsets))
	for _, off := range assignment.Offsets {
		targets = append(targets, off[:]...)
	}
	regression, err := nn.BoxRegressionLoss(sparse.Offsets, nn.Dense(r.eng, targets, len(assignment.Offsets), 4), b)
	if err != nil {
		return nil, err
	}

	out := &Output{
		Loss:       r.cfg.ObjectnessWeight*objectness + r.cfg.RegressionWeight*regression,
		Objectness: objectness,
		Regression: regression,
	}
	if mode == OutputAll {
		out.Scores = sparse.Scores
		out.Proposals = sparse.Proposals
		out.Features = features
		out.Classes = assignment.Classes
		out.Positive = assignment.Positive
		out.Negative = assignment.Negative
		out.AnchorsPerImage = set.Index.PerImage()
		out.Stride = stride
	}
	return out, nil
}

// ImageProposals are the surviving proposals of one image, highest
// probability first. Boxes are in feature-map space.
type ImageProposals struct {
	Boxes         []images.Box
	Probabilities []float32
}

// Proposals is the result of Inference.
type Proposals struct {
	// Images holds one entry per input image, in input order.
	Images []ImageProposals
	// Features is the backbone output with ModeFasterRCNN. ModeRPN leaves it
	// nil; there is no zero-filled placeholder.
	Features *tensor.Dense
	// Stride converts proposal boxes to pixel space.
	Stride Stride
}

// Inference proposes boxes without ground truth. In every cell the template
// with the highest object logit is selected; cells whose object probability
// reaches th.Objectness are decoded with the YOLO parametrization and
// suppressed per image at th.NMS. Images are processed concurrently, at most
// Config.Workers at a time.
//
// Arguments:
//   - ctx: Cancels the remaining images.
//   - batch: The (B, 3, H, W) images.
//   - th: The objectness and NMS thresholds.
//   - mode: ModeRPN or ModeFasterRCNN.
//
// Returns:
//   - The proposals of each image, possibly empty.
//   - ErrInvalidInferenceMode, or an error from the backbone or context.
func (r *RPN) Inference(ctx context.Context, batch *tensor.Dense, th Thresholds, mode InferenceMode) (*Proposals, error) {
	if mode != ModeRPN && mode != ModeFasterRCNN {
		return nil, errors.Wrapf(ErrInvalidInferenceMode, "%d", int(mode))
	}
	features, set, stride, err := r.features(ctx, batch)
	if err != nil {
		return nil, err
	}
	dense, err := r.head.PredictDense(features, false)
	if err != nil {
		return nil, err
	}

	b := set.Index.Batch
	results := make([]ImageProposals, b)
	errs := make([]error, b)

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < b; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = r.propose(i, set, dense, th)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "image %d", i)
		}
	}

	out := &Proposals{Images: results, Stride: stride}
	if mode == ModeFasterRCNN {
		out.Features = features
	}
	return out, nil
}

// propose selects, thresholds, decodes and suppresses the proposals of image b.
func (r *RPN) propose(b int, set *anchors.Set, dense *Dense, th Thresholds) (ImageProposals, error) {
	ix := dense.Index
	scores, err := nn.Float32s(dense.Scores)
	if err != nil {
		return ImageProposals{}, err
	}
	offsets, err := nn.Float32s(dense.Offsets)
	if err != nil {
		return ImageProposals{}, err
	}

	logits := make([]float64, ix.Anchors)
	candidates := make([]postprocess.Result, 0, ix.Height*ix.Width)
	for h := 0; h < ix.Height; h++ {
		for w := 0; w < ix.Width; w++ {
			for a := range logits {
				logits[a] = float64(scores[ix.Offset(ix.Flat(b, a, h, w), scoreDepth, 0)])
			}
			a := floats.MaxIdx(logits)
			prob := nn.Sigmoid(float32(logits[a]))
			if prob < th.Objectness {
				continue
			}

			flat := ix.Flat(b, a, h, w)
			var off transform.Offset
			for d := range off {
				off[d] = offsets[ix.Offset(flat, offsetDepth, d)]
			}
			box, err := transform.Decode(transform.YOLO, set.Box(flat), off)
			if err != nil {
				return ImageProposals{}, err
			}
			candidates = append(candidates, postprocess.Result{Box: box, Score: prob, Class: a})
		}
	}

	kept := postprocess.ApplyNMS(candidates, postprocess.NMSConfig{IoUThreshold: th.NMS})
	r.log.Debugf("RPN: image %d kept %d of %d proposals", b, len(kept), len(candidates))

	out := ImageProposals{
		Boxes:         make([]images.Box, len(kept)),
		Probabilities: make([]float32, len(kept)),
	}
	for i, k := range kept {
		out.Boxes[i] = k.Box
		out.Probabilities[i] = k.Score
	}
	return out, nil
}
