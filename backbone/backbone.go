// Package backbone - Feature extractors that turn an image batch into a feature map.
package backbone

import (
	"context"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/nn"
)

// Extractor maps a (B, 3, H, W) image batch to a (B, D, H', W') feature map.
type Extractor interface {
	// Extract runs the backbone on the batch.
	Extract(ctx context.Context, images *tensor.Dense) (*tensor.Dense, error)
	// OutChannels is D, the feature depth.
	OutChannels() int
}

// Strider is implemented by extractors with a fixed downsampling factor.
// Without it the factor is taken as the ratio of image to feature size,
// which is only exact when the input is a multiple of the stride.
type Strider interface {
	// Stride is the number of input pixels per feature cell along x and y.
	Stride() (x, y int)
}

// Config describes the reference patch extractor.
type Config struct {
	// Stride is both the patch size and the downsampling factor.
	Stride int `json:"stride" yaml:"stride"`
	// OutChannels is the feature depth D.
	OutChannels int `json:"out_channels" yaml:"out_channels"`
	// LeakyAlpha is the negative slope of the output activation.
	LeakyAlpha float64 `json:"leaky_alpha" yaml:"leaky_alpha"`
}

// DefaultConfig returns a 32-pixel-stride extractor producing 64 channels,
// so a 224x224 image yields a 7x7 feature map.
func DefaultConfig() Config {
	return Config{
		Stride:      32,
		OutChannels: 64,
		LeakyAlpha:  0.01,
	}
}

// Patchify embeds non-overlapping Stride x Stride patches with one convolution
// followed by a leaky ReLU. It is a small stand-in for a pretrained network.
type Patchify struct {
	cfg  Config
	conv *nn.Conv2D
	eng  tensor.Engine
}

// NewPatchify returns a randomly initialised patch extractor for RGB input.
//
// Arguments:
//   - cfg: The extractor configuration.
//   - eng: The engine the features are allocated on. nil selects the default engine.
//
// Returns:
//   - The extractor, or an error for an invalid configuration.
func NewPatchify(cfg Config, eng tensor.Engine) (*Patchify, error) {
	if cfg.Stride <= 0 {
		return nil, errors.Errorf("backbone stride must be positive, got %d", cfg.Stride)
	}
	conv, err := nn.NewConv2D("backbone.patch", 3, cfg.OutChannels, cfg.Stride, 0, cfg.Stride)
	if err != nil {
		return nil, errors.Wrap(err, "creating patch embedding")
	}
	return &Patchify{cfg: cfg, conv: conv, eng: eng}, nil
}

// OutChannels implements Extractor.
func (p *Patchify) OutChannels() int { return p.cfg.OutChannels }

// Stride implements Strider.
func (p *Patchify) Stride() (x, y int) { return p.cfg.Stride, p.cfg.Stride }

// Extract implements Extractor. Height and width must be at least Stride;
// trailing pixels that do not fill a patch are dropped.
func (p *Patchify) Extract(ctx context.Context, images *tensor.Dense) (*tensor.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := images.Shape()
	if len(s) != 4 || s[1] != 3 {
		return nil, errors.Errorf("images must have shape (B, 3, H, W), got %v", s)
	}
	if s[2] < p.cfg.Stride || s[3] < p.cfg.Stride {
		return nil, errors.Errorf("image %dx%d is smaller than the backbone stride %d", s[3], s[2], p.cfg.Stride)
	}

	out, err := nn.Run(p.eng, func(g *G.ExprGraph) ([]*G.Node, error) {
		y, err := p.conv.Apply(g, nn.Input(g, "images", images))
		if err != nil {
			return nil, err
		}
		y, err = G.LeakyRelu(y, p.cfg.LeakyAlpha)
		return []*G.Node{y}, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "extracting features")
	}
	return out[0], nil
}
