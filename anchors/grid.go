package anchors

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/images"
)

// Template is the width and height of an anchor box in feature-map cells.
type Template struct {
	W float32 `json:"w" yaml:"w"`
	H float32 `json:"h" yaml:"h"`
}

// DefaultTemplates returns the nine reference anchor shapes.
func DefaultTemplates() []Template {
	return []Template{
		{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5},
		{2, 3}, {3, 2}, {3, 5}, {5, 3},
	}
}

// NewTemplates packs templates into an (A, 2) tensor allocated on eng.
//
// Arguments:
//   - templates: The anchor shapes. Must be non-empty with positive sizes.
//   - eng: The engine the tensor is placed on. nil selects the default engine.
//
// Returns:
//   - The (A, 2) tensor of (w, h) pairs.
//   - An error if the list is empty or a template has a non-positive size.
func NewTemplates(templates []Template, eng tensor.Engine) (*tensor.Dense, error) {
	if len(templates) == 0 {
		return nil, errors.New("at least one anchor template is required")
	}
	data := make([]float32, 0, 2*len(templates))
	for i, t := range templates {
		if t.W <= 0 || t.H <= 0 {
			return nil, errors.Errorf("anchor template %d has non-positive size %vx%v", i, t.W, t.H)
		}
		data = append(data, t.W, t.H)
	}
	return newDense(eng, data, len(templates), 2), nil
}

// GenerateGrid returns the (B, H, W, 2) tensor of grid cell centers. The
// center of cell (row, col) is (col+0.5, row+0.5) in feature-map units.
//
// Arguments:
//   - batch: The number of images.
//   - w: The feature-map width.
//   - h: The feature-map height.
//   - eng: The engine the tensor is placed on. nil selects the default engine.
//
// Returns:
//   - The grid tensor, or an error for non-positive dimensions.
func GenerateGrid(batch, w, h int, eng tensor.Engine) (*tensor.Dense, error) {
	if batch <= 0 || w <= 0 || h <= 0 {
		return nil, errors.Errorf("invalid grid dimensions B=%d W=%d H=%d", batch, w, h)
	}
	data := make([]float32, batch*h*w*2)
	i := 0
	for b := 0; b < batch; b++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data[i] = float32(x) + 0.5
				data[i+1] = float32(y) + 0.5
				i += 2
			}
		}
	}
	return newDense(eng, data, batch, h, w, 2), nil
}

// Set is a dense anchor grid: a (B, A, H, W, 4) tensor of (x1, y1, x2, y2)
// boxes with its flat index layout.
type Set struct {
	Tensor *tensor.Dense
	Index  Index
}

// GenerateAnchor centers every template on every grid cell.
//
// Arguments:
//   - templates: The (A, 2) template tensor from NewTemplates.
//   - grid: The (B, H, W, 2) grid from GenerateGrid.
//
// Returns:
//   - The anchor set, allocated on the grid's engine.
//   - An error if the tensor shapes do not match.
func GenerateAnchor(templates, grid *tensor.Dense) (*Set, error) {
	ts, gs := templates.Shape(), grid.Shape()
	if len(ts) != 2 || ts[1] != 2 {
		return nil, errors.Errorf("templates must have shape (A, 2), got %v", ts)
	}
	if len(gs) != 4 || gs[3] != 2 {
		return nil, errors.Errorf("grid must have shape (B, H, W, 2), got %v", gs)
	}

	ix, err := NewIndex(gs[0], ts[0], gs[1], gs[2])
	if err != nil {
		return nil, err
	}
	tpl := templates.Data().([]float32)
	centers := grid.Data().([]float32)

	data := make([]float32, ix.Len()*4)
	for b := 0; b < ix.Batch; b++ {
		for a := 0; a < ix.Anchors; a++ {
			hw, hh := tpl[2*a]/2, tpl[2*a+1]/2
			for y := 0; y < ix.Height; y++ {
				for x := 0; x < ix.Width; x++ {
					c := ((b*ix.Height+y)*ix.Width + x) * 2
					o := ix.Flat(b, a, y, x) * 4
					data[o] = centers[c] - hw
					data[o+1] = centers[c+1] - hh
					data[o+2] = centers[c] + hw
					data[o+3] = centers[c+1] + hh
				}
			}
		}
	}

	return &Set{
		Tensor: newDense(grid.Engine(), data, ix.Batch, ix.Anchors, ix.Height, ix.Width, 4),
		Index:  ix,
	}, nil
}

// Box returns the anchor box at flat index i.
func (s *Set) Box(i int) images.Box {
	data := s.Tensor.Data().([]float32)
	return images.Box{X1: data[4*i], Y1: data[4*i+1], X2: data[4*i+2], Y2: data[4*i+3]}
}

// Boxes returns the anchor boxes at the given flat indices.
func (s *Set) Boxes(idx []int) []images.Box {
	out := make([]images.Box, len(idx))
	for i, k := range idx {
		out[i] = s.Box(k)
	}
	return out
}

func newDense(eng tensor.Engine, data []float32, shape ...int) *tensor.Dense {
	opts := []tensor.ConsOpt{tensor.WithShape(shape...), tensor.WithBacking(data)}
	if eng != nil {
		opts = append(opts, tensor.WithEngine(eng))
	}
	return tensor.New(opts...)
}
