package nn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv2D is a square-kernel 2D convolution with bias.
type Conv2D struct {
	Name   string
	Weight *tensor.Dense // (out, in, k, k)
	Bias   *tensor.Dense // (1, out, 1, 1)
	Pad    int
	Stride int
}

// NewConv2D returns a convolution with Glorot-uniform weights and zero bias.
//
// Arguments:
//   - name: The prefix for the layer's graph nodes. Must be unique per graph.
//   - in: The number of input channels.
//   - out: The number of output channels.
//   - kernel: The kernel size.
//   - pad: The zero padding on each side.
//   - stride: The stride in both directions.
//
// Returns:
//   - The layer, or an error for non-positive sizes.
func NewConv2D(name string, in, out, kernel, pad, stride int) (*Conv2D, error) {
	if in <= 0 || out <= 0 || kernel <= 0 || stride <= 0 || pad < 0 {
		return nil, errors.Errorf("conv %s: invalid sizes in=%d out=%d kernel=%d pad=%d stride=%d", name, in, out, kernel, pad, stride)
	}
	w := G.GlorotU(1)(tensor.Float32, out, in, kernel, kernel).([]float32)
	return &Conv2D{
		Name:   name,
		Weight: Dense(nil, w, out, in, kernel, kernel),
		Bias:   Dense(nil, make([]float32, out), 1, out, 1, 1),
		Pad:    pad,
		Stride: stride,
	}, nil
}

// In returns the number of input channels.
func (c *Conv2D) In() int { return c.Weight.Shape()[1] }

// Out returns the number of output channels.
func (c *Conv2D) Out() int { return c.Weight.Shape()[0] }

// Apply adds the convolution of x, a (B, in, H, W) node, to g.
func (c *Conv2D) Apply(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	if s := x.Shape(); len(s) != 4 || s[1] != c.In() {
		return nil, errors.Errorf("conv %s: input shape %v, want (B, %d, H, W)", c.Name, s, c.In())
	}
	k := c.Weight.Shape()[2]
	w := Input(g, c.Name+".weight", c.Weight)
	b := Input(g, c.Name+".bias", c.Bias)

	y, err := G.Conv2d(x, w, tensor.Shape{k, k}, []int{c.Pad, c.Pad}, []int{c.Stride, c.Stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "conv %s", c.Name)
	}
	y, err = G.BroadcastAdd(y, b, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrapf(err, "conv %s bias", c.Name)
	}
	return y, nil
}

// Linear is a fully connected layer, y = xW + b.
type Linear struct {
	Name   string
	Weight *tensor.Dense // (in, out)
	Bias   *tensor.Dense // (1, out)
}

// NewLinear returns a fully connected layer with Glorot-uniform weights and zero bias.
func NewLinear(name string, in, out int) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, errors.Errorf("linear %s: invalid sizes in=%d out=%d", name, in, out)
	}
	w := G.GlorotU(1)(tensor.Float32, in, out).([]float32)
	return &Linear{
		Name:   name,
		Weight: Dense(nil, w, in, out),
		Bias:   Dense(nil, make([]float32, out), 1, out),
	}, nil
}

// In returns the input width.
func (l *Linear) In() int { return l.Weight.Shape()[0] }

// Out returns the output width.
func (l *Linear) Out() int { return l.Weight.Shape()[1] }

// Apply adds the layer applied to x, a (K, in) node, to g.
func (l *Linear) Apply(g *G.ExprGraph, x *G.Node) (*G.Node, error) {
	if s := x.Shape(); len(s) != 2 || s[1] != l.In() {
		return nil, errors.Errorf("linear %s: input shape %v, want (K, %d)", l.Name, s, l.In())
	}
	w := Input(g, l.Name+".weight", l.Weight)
	b := Input(g, l.Name+".bias", l.Bias)

	y, err := G.Mul(x, w)
	if err != nil {
		return nil, errors.Wrapf(err, "linear %s", l.Name)
	}
	y, err = G.BroadcastAdd(y, b, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "linear %s bias", l.Name)
	}
	return y, nil
}

// Dropout zeroes elements of x with probability p when training is set.
// Outside training, or with p == 0, x is returned unchanged.
func Dropout(x *G.Node, p float64, training bool) (*G.Node, error) {
	if !training || p == 0 {
		return x, nil
	}
	if p < 0 || p >= 1 {
		return nil, errors.Errorf("dropout probability %v out of range [0, 1)", p)
	}
	return G.Dropout(x, p)
}
