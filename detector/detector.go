package detector

import (
	"context"
	"image"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/anchors"
	"github.com/nvr-ai/go-rcnn/backbone"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/models/postprocess"
	"github.com/nvr-ai/go-rcnn/nn"
	"github.com/nvr-ai/go-rcnn/roi"
	"github.com/nvr-ai/go-rcnn/rpn"
)

// TwoStage is a Faster R-CNN style detector: an RPN proposes boxes and a
// region classifier labels them from RoI-aligned backbone features.
type TwoStage struct {
	cfg        Config
	rpn        *rpn.RPN
	classifier *Classifier
	log        logs.Log
}

// Loss is the training loss of one batch.
type Loss struct {
	// Total is RPN + Classification.
	Total          float32
	RPN            float32
	Classification float32
}

// ImageDetections are the detections of one image, highest objectness
// first. Boxes are in pixel coordinates; the three slices are aligned.
type ImageDetections struct {
	Boxes         []images.Box
	Probabilities []float32
	Classes       []int
}

// Len returns the number of detections.
func (d ImageDetections) Len() int { return len(d.Boxes) }

// Results returns the detections as postprocess results scored by objectness.
func (d ImageDetections) Results() []postprocess.Result {
	out := make([]postprocess.Result, len(d.Boxes))
	for i := range d.Boxes {
		out[i] = postprocess.Result{Box: d.Boxes[i], Score: d.Probabilities[i], Class: d.Classes[i]}
	}
	return out
}

// Labels returns the class name of every detection.
func (d ImageDetections) Labels(names []string) []string {
	out := make([]string, len(d.Classes))
	for i, c := range d.Classes {
		out[i] = ClassName(names, c)
	}
	return out
}

// New builds a detector. The configuration is validated and the device is
// resolved here; no later call changes either.
//
// Arguments:
//   - cfg: The detector configuration.
//   - extractor: The backbone. nil builds the reference extractor from cfg.Backbone.
//   - log: The logger. nil creates a default logger.
//
// Returns:
//   - The detector.
//   - ErrNoClasses, or any RPN configuration error.
//
// @example
// det, err := detector.New(detector.DefaultConfig(), nil, log)
// losses, err := det.Forward(ctx, batch, groundTruth)
func New(cfg Config, extractor backbone.Extractor, log logs.Log) (*TwoStage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		if log, err = logs.NewLog(); err != nil {
			return nil, errors.Wrap(err, "creating logger")
		}
	}
	eng, err := rpn.ResolveEngine(cfg.RPN.Device)
	if err != nil {
		return nil, err
	}
	if extractor == nil {
		if extractor, err = backbone.NewPatchify(cfg.Backbone, eng); err != nil {
			return nil, err
		}
	}

	proposals, err := rpn.New(cfg.RPN, extractor, log)
	if err != nil {
		return nil, err
	}
	classifier, err := NewClassifier(extractor.OutChannels(), cfg.HiddenDim, cfg.NumClasses, cfg.DropRatio, eng)
	if err != nil {
		return nil, err
	}

	log.Infof("Detector: %d classes, classifier %d->%d, RoI %dx%d",
		cfg.NumClasses, extractor.OutChannels(), cfg.HiddenDim, cfg.RoI.OutW, cfg.RoI.OutH)

	return &TwoStage{cfg: cfg, rpn: proposals, classifier: classifier, log: log}, nil
}

// Config returns the detector configuration.
func (d *TwoStage) Config() Config { return d.cfg }

// RPN returns the first stage.
func (d *TwoStage) RPN() *rpn.RPN { return d.rpn }

// Forward computes the training loss of a batch: the RPN loss plus the
// cross-entropy of the classifier on the positive proposals against the
// class of their assigned box.
//
// Arguments:
//   - ctx: Cancels the call between stages.
//   - batch: The (B, 3, H, W) images.
//   - gt: The ground truth of each image in pixel coordinates. Entries with a
//     negative class are padding.
//
// Returns:
//   - The loss breakdown.
//   - rpn.ErrNoPositiveAnchors, rpn.ErrNoNegativeAnchors, or an error for
//     malformed input or out-of-range classes.
func (d *TwoStage) Forward(ctx context.Context, batch *tensor.Dense, gt [][]anchors.GroundTruth) (Loss, error) {
	out, err := d.rpn.Forward(ctx, batch, gt, rpn.OutputAll)
	if err != nil {
		return Loss{}, err
	}
	proposals, err := nn.Float32s(out.Proposals)
	if err != nil {
		return Loss{}, err
	}

	regions := make([]roi.Region, len(out.Positive))
	for k, p := range out.Positive {
		regions[k] = roi.Region{
			Batch: p / out.AnchorsPerImage,
			Box:   images.BoxFromArray([4]float32(proposals[4*k : 4*k+4])),
		}
	}
	logits, err := d.classify(out.Features, regions, true)
	if err != nil {
		return Loss{}, err
	}
	cls, err := nn.CrossEntropy(logits, out.Classes)
	if err != nil {
		return Loss{}, errors.Wrap(err, "classification loss")
	}

	d.log.Debugf("Detector: rpn loss %.4f, classification loss %.4f over %d proposals", out.Loss, cls, len(regions))
	return Loss{Total: out.Loss + cls, RPN: out.Loss, Classification: cls}, nil
}

// classify pools the regions from the features and runs the classifier.
// No regions give (0, NumClasses) logits.
func (d *TwoStage) classify(features *tensor.Dense, regions []roi.Region, training bool) (*tensor.Dense, error) {
	if len(regions) == 0 {
		return nn.Dense(features.Engine(), []float32{}, 0, d.cfg.NumClasses), nil
	}
	pooled, err := roi.Align(features, regions, d.cfg.RoI)
	if err != nil {
		return nil, err
	}
	mean, err := roi.MeanPool(pooled)
	if err != nil {
		return nil, err
	}
	return d.classifier.Logits(mean, training)
}

// Inference detects objects without ground truth. Proposals come from the
// RPN with the given thresholds; each is labelled with the classifier's
// most likely class.
//
// Arguments:
//   - ctx: Cancels the call between images.
//   - batch: The (B, 3, H, W) images.
//   - th: The objectness and NMS thresholds of the RPN.
//
// Returns:
//   - One entry per image, in input order. An image without proposals has
//     empty, non-nil slices.
//   - An error from the RPN, the classifier or the context.
func (d *TwoStage) Inference(ctx context.Context, batch *tensor.Dense, th rpn.Thresholds) ([]ImageDetections, error) {
	props, err := d.rpn.Inference(ctx, batch, th, rpn.ModeFasterRCNN)
	if err != nil {
		return nil, err
	}

	out := make([]ImageDetections, len(props.Images))
	for b, p := range props.Images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		det := ImageDetections{
			Boxes:         make([]images.Box, len(p.Boxes)),
			Probabilities: append(make([]float32, 0, len(p.Probabilities)), p.Probabilities...),
			Classes:       make([]int, len(p.Boxes)),
		}
		if len(p.Boxes) > 0 {
			regions := make([]roi.Region, len(p.Boxes))
			for i, box := range p.Boxes {
				regions[i] = roi.Region{Batch: b, Box: box}
			}
			logits, err := d.classify(props.Features, regions, false)
			if err != nil {
				return nil, errors.Wrapf(err, "image %d", b)
			}
			if det.Classes, _, err = nn.Argmax(logits); err != nil {
				return nil, err
			}
			for i, box := range p.Boxes {
				det.Boxes[i] = props.Stride.ToPixels(box)
			}
		}
		d.log.Debugf("Detector: image %d, %d detections", b, det.Len())
		out[b] = det
	}
	return out, nil
}

// DetectImages resizes decoded images to the configured input size, runs
// Inference and maps the boxes back onto each original image.
func (d *TwoStage) DetectImages(ctx context.Context, imgs []image.Image, th rpn.Thresholds) ([]ImageDetections, error) {
	batch, err := images.ToTensor(imgs, d.cfg.InputWidth, d.cfg.InputHeight)
	if err != nil {
		return nil, err
	}
	dets, err := d.Inference(ctx, batch, th)
	if err != nil {
		return nil, err
	}
	for i, det := range dets {
		bounds := imgs[i].Bounds()
		sx := float32(bounds.Dx()) / float32(d.cfg.InputWidth)
		sy := float32(bounds.Dy()) / float32(d.cfg.InputHeight)
		for j, b := range det.Boxes {
			det.Boxes[j] = b.Scale(sx, sy)
		}
	}
	return dets, nil
}
