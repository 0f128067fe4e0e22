// Package nn - Gorgonia-backed layers, graph execution and the detector losses.
//
// Layers keep their parameters as plain tensors and contribute nodes to an
// expression graph that is built per call, so input shapes may change freely
// between calls. Losses are evaluated eagerly on the returned values.
package nn

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Builder adds the nodes of a computation to g and returns the nodes whose
// values the caller wants back.
type Builder func(g *G.ExprGraph) ([]*G.Node, error)

// Run builds a fresh graph with build, executes it on a tape machine and
// returns copies of the requested node values. The copies are allocated on
// eng so they outlive the machine. A nil eng selects the default engine.
//
// Arguments:
//   - eng: The engine the returned tensors are placed on.
//   - build: The function that assembles the graph.
//
// Returns:
//   - One tensor per returned node, in order.
//   - An error if building or running the graph fails.
//
// @example
//
//	out, err := nn.Run(nil, func(g *G.ExprGraph) ([]*G.Node, error) {
//		x := nn.Input(g, "x", features)
//		y, err := conv.Apply(g, x)
//		return []*G.Node{y}, err
//	})
func Run(eng tensor.Engine, build Builder) ([]*tensor.Dense, error) {
	g := G.NewGraph()
	nodes, err := build(g)
	if err != nil {
		return nil, errors.Wrap(err, "building graph")
	}

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running graph")
	}

	out := make([]*tensor.Dense, len(nodes))
	for i, n := range nodes {
		v, ok := n.Value().(tensor.Tensor)
		if !ok {
			return nil, errors.Errorf("node %s has no tensor value", n.Name())
		}
		data, ok := v.Data().([]float32)
		if !ok {
			return nil, errors.Errorf("node %s is %v, want float32", n.Name(), v.Dtype())
		}
		out[i] = Dense(eng, append([]float32(nil), data...), v.Shape().Clone()...)
	}
	return out, nil
}

// Input adds t to g as a constant-valued input node.
func Input(g *G.ExprGraph, name string, t *tensor.Dense) *G.Node {
	return G.NewTensor(g, tensor.Float32, t.Dims(), G.WithShape(t.Shape()...), G.WithName(name), G.WithValue(t))
}

// Dense wraps data in a float32 tensor of the given shape on eng.
func Dense(eng tensor.Engine, data []float32, shape ...int) *tensor.Dense {
	opts := []tensor.ConsOpt{tensor.WithShape(shape...), tensor.WithBacking(data)}
	if eng != nil {
		opts = append(opts, tensor.WithEngine(eng))
	}
	return tensor.New(opts...)
}

// Float32s returns the backing slice of a float32 tensor. A tensor with a
// zero-length axis gives an empty slice.
func Float32s(t *tensor.Dense) ([]float32, error) {
	if t == nil {
		return nil, errors.New("nil tensor")
	}
	if s := t.Shape(); len(s) > 0 && s.TotalSize() == 0 {
		if t.Dtype() != tensor.Float32 {
			return nil, errors.Errorf("tensor is %v, want float32", t.Dtype())
		}
		return []float32{}, nil
	}
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("tensor is %v, want float32", t.Dtype())
	}
	return data, nil
}
