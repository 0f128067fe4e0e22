// Package roi - RoI-align pooling of feature maps over proposal boxes.
package roi

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/nn"
)

// Region is a box on the feature map of one image in a batch.
type Region struct {
	Batch int
	Box   images.Box
}

// AlignConfig controls RoI-align sampling.
type AlignConfig struct {
	// OutH and OutW are the pooled output size per region.
	OutH int `json:"out_h" yaml:"out_h"`
	OutW int `json:"out_w" yaml:"out_w"`
	// SpatialScale maps box coordinates to feature-map coordinates.
	SpatialScale float32 `json:"spatial_scale" yaml:"spatial_scale"`
	// SamplingRatio is the number of samples per bin in each direction.
	// A value <= 0 uses ceil(region size / output size).
	SamplingRatio int `json:"sampling_ratio" yaml:"sampling_ratio"`
}

// DefaultAlignConfig returns a 2x2 output with unit scale and adaptive sampling.
func DefaultAlignConfig() AlignConfig {
	return AlignConfig{OutH: 2, OutW: 2, SpatialScale: 1, SamplingRatio: -1}
}

// Align pools a fixed-size OutH x OutW window from the features under every
// region. Each output bin is the mean of bilinearly interpolated samples
// taken on a regular grid inside the bin. Regions are not pixel-aligned:
// a region is at least one feature cell wide and high. Samples more than one
// cell outside the map contribute zero.
//
// Arguments:
//   - features: The (B, C, H, W) feature map.
//   - regions: The boxes to pool, each with the index of its image.
//   - cfg: The output size, scale and sampling ratio.
//
// Returns:
//   - The (K, C, OutH, OutW) pooled features on the feature map's engine.
//     K is zero for an empty region list.
//   - An error for a malformed feature map, configuration or batch index.
func Align(features *tensor.Dense, regions []Region, cfg AlignConfig) (*tensor.Dense, error) {
	s := features.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("features must have shape (B, C, H, W), got %v", s)
	}
	if cfg.OutH <= 0 || cfg.OutW <= 0 {
		return nil, errors.Errorf("invalid RoI output size %dx%d", cfg.OutH, cfg.OutW)
	}
	batch, channels, height, width := s[0], s[1], s[2], s[3]
	if len(regions) == 0 {
		return nn.Dense(features.Engine(), []float32{}, 0, channels, cfg.OutH, cfg.OutW), nil
	}
	data, err := nn.Float32s(features)
	if err != nil {
		return nil, err
	}

	plane := height * width
	bins := cfg.OutH * cfg.OutW
	out := make([]float32, len(regions)*channels*bins)

	for k, r := range regions {
		if r.Batch < 0 || r.Batch >= batch {
			return nil, errors.Errorf("region %d references image %d of %d", k, r.Batch, batch)
		}
		x0 := r.Box.X1 * cfg.SpatialScale
		y0 := r.Box.Y1 * cfg.SpatialScale
		rw := max(r.Box.X2*cfg.SpatialScale-x0, 1)
		rh := max(r.Box.Y2*cfg.SpatialScale-y0, 1)
		binW := rw / float32(cfg.OutW)
		binH := rh / float32(cfg.OutH)

		gridW, gridH := cfg.SamplingRatio, cfg.SamplingRatio
		if cfg.SamplingRatio <= 0 {
			gridW = int(math32.Ceil(rw / float32(cfg.OutW)))
			gridH = int(math32.Ceil(rh / float32(cfg.OutH)))
		}
		count := float32(max(gridW*gridH, 1))

		for c := 0; c < channels; c++ {
			src := data[(r.Batch*channels+c)*plane : (r.Batch*channels+c+1)*plane]
			dst := out[(k*channels+c)*bins:]
			for ph := 0; ph < cfg.OutH; ph++ {
				for pw := 0; pw < cfg.OutW; pw++ {
					var sum float32
					for iy := 0; iy < gridH; iy++ {
						y := y0 + float32(ph)*binH + (float32(iy)+0.5)*binH/float32(gridH)
						for ix := 0; ix < gridW; ix++ {
							x := x0 + float32(pw)*binW + (float32(ix)+0.5)*binW/float32(gridW)
							sum += bilinear(src, height, width, y, x)
						}
					}
					dst[ph*cfg.OutW+pw] = sum / count
				}
			}
		}
	}

	return nn.Dense(features.Engine(), out, len(regions), channels, cfg.OutH, cfg.OutW), nil
}

// bilinear samples a row-major height x width plane at (y, x). Points within
// one cell of the border are clamped onto it.
func bilinear(plane []float32, height, width int, y, x float32) float32 {
	if y < -1 || y > float32(height) || x < -1 || x > float32(width) {
		return 0
	}
	y, x = max(y, 0), max(x, 0)

	yl, xl := int(y), int(x)
	yh, xh := yl+1, xl+1
	if yl >= height-1 {
		yl, yh = height-1, height-1
		y = float32(yl)
	}
	if xl >= width-1 {
		xl, xh = width-1, width-1
		x = float32(xl)
	}

	ly, lx := y-float32(yl), x-float32(xl)
	hy, hx := 1-ly, 1-lx
	return hy*hx*plane[yl*width+xl] + hy*lx*plane[yl*width+xh] +
		ly*hx*plane[yh*width+xl] + ly*lx*plane[yh*width+xh]
}

// MeanPool averages a (K, C, H, W) tensor over its spatial axes, giving (K, C).
// K may be zero.
func MeanPool(pooled *tensor.Dense) (*tensor.Dense, error) {
	if pooled == nil {
		return nil, errors.New("nil pooled features")
	}
	s := pooled.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("pooled features must have shape (K, C, H, W), got %v", s)
	}
	if s[0] == 0 {
		return nn.Dense(pooled.Engine(), []float32{}, 0, s[1]), nil
	}
	data, err := nn.Float32s(pooled)
	if err != nil {
		return nil, err
	}

	plane := s[2] * s[3]
	out := make([]float32, s[0]*s[1])
	for i := range out {
		var sum float32
		for _, v := range data[i*plane : (i+1)*plane] {
			sum += v
		}
		out[i] = sum / float32(plane)
	}
	return nn.Dense(pooled.Engine(), out, s[0], s[1]), nil
}
