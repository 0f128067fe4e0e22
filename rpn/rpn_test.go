package rpn

import (
	"context"
	"math"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/anchors"
	"github.com/nvr-ai/go-rcnn/backbone"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/nn"
	"github.com/nvr-ai/go-rcnn/transform"
)

// pattern fills n values with a deterministic, image-like signal.
func pattern(n int, phase float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 + 0.5*math.Sin(float64(i)*0.37+phase))
	}
	return out
}

// synthetic returns count copies of the same 3 x size x size image.
func synthetic(count, size int) *tensor.Dense {
	plane := 3 * size * size
	img := pattern(plane, 0)
	data := make([]float32, 0, count*plane)
	for i := 0; i < count; i++ {
		data = append(data, img...)
	}
	return nn.Dense(nil, data, count, 3, size, size)
}

// testConfig returns a small network over an 8-channel, stride-32 backbone.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Proposal.InDim = 8
	cfg.Proposal.HiddenDim = 16
	cfg.Workers = 2
	return cfg
}

func newTestRPN(t *testing.T, cfg Config) *RPN {
	t.Helper()
	extractor, err := backbone.NewPatchify(backbone.Config{Stride: 32, OutChannels: cfg.Proposal.InDim, LeakyAlpha: 0.01}, nil)
	require.NoError(t, err)
	net, err := New(cfg, extractor, logs.NewTestingLog(t))
	require.NoError(t, err)
	return net
}

// A 96x96 pixel box at (32, 32) is exactly the 3x3 template on cell (2, 2).
var groundTruth = []anchors.GroundTruth{
	{Box: images.Box{X1: 32, Y1: 32, X2: 128, Y2: 128}, Class: 3},
	{Box: images.Box{X1: -1, Y1: -1, X2: -1, Y2: -1}, Class: -1},
}

func TestForwardAll(t *testing.T) {
	net := newTestRPN(t, testConfig())

	out, err := net.Forward(context.Background(), synthetic(2, 224), [][]anchors.GroundTruth{groundTruth, groundTruth[:1]}, OutputAll)
	require.NoError(t, err)

	m := len(out.Positive)
	require.Greater(t, m, 0)
	assert.Len(t, out.Negative, m)
	assert.Len(t, out.Classes, m)
	assert.Equal(t, []int{2 * m, 2}, []int(out.Scores.Shape()))
	assert.Equal(t, []int{m, 4}, []int(out.Proposals.Shape()))
	assert.Equal(t, []int{2, 8, 7, 7}, []int(out.Features.Shape()))
	assert.Equal(t, 9*7*7, out.AnchorsPerImage)
	assert.Equal(t, Stride{X: 32, Y: 32}, out.Stride)

	owners := map[int]bool{}
	for i, p := range out.Positive {
		assert.Equal(t, 3, out.Classes[i])
		owners[p/out.AnchorsPerImage] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, owners, "both images contribute positives")

	assert.False(t, math.IsNaN(float64(out.Loss)))
	assert.GreaterOrEqual(t, out.Objectness, float32(0))
	assert.GreaterOrEqual(t, out.Regression, float32(0))
	assert.InDelta(t, out.Objectness+5*out.Regression, out.Loss, 1e-4)
}

func TestForwardLossOnly(t *testing.T) {
	net := newTestRPN(t, testConfig())

	out, err := net.Forward(context.Background(), synthetic(1, 224), [][]anchors.GroundTruth{groundTruth}, OutputLoss)
	require.NoError(t, err)
	assert.Greater(t, out.Loss, float32(0))
	assert.Nil(t, out.Scores)
	assert.Nil(t, out.Features)
	assert.Empty(t, out.Positive)
}

func TestForwardBatchInvariance(t *testing.T) {
	cfg := testConfig()
	cfg.Sampler = SamplerStrided
	cfg.Proposal.DropRatio = 0
	net := newTestRPN(t, cfg)

	gt := [][]anchors.GroundTruth{groundTruth}
	single, err := net.Forward(context.Background(), synthetic(1, 224), gt, OutputLoss)
	require.NoError(t, err)

	doubled, err := net.Forward(context.Background(), synthetic(2, 224), append(gt, gt...), OutputLoss)
	require.NoError(t, err)

	assert.InEpsilon(t, single.Objectness, doubled.Objectness, 1e-4)
	assert.InEpsilon(t, single.Regression, doubled.Regression, 1e-4)
	assert.InEpsilon(t, single.Loss, doubled.Loss, 1e-4)
}

func TestForwardErrors(t *testing.T) {
	net := newTestRPN(t, testConfig())
	ctx := context.Background()
	batch := synthetic(1, 224)

	_, err := net.Forward(ctx, batch, [][]anchors.GroundTruth{groundTruth}, OutputMode(7))
	assert.ErrorIs(t, err, ErrInvalidOutputMode)

	_, err = net.Forward(ctx, batch, [][]anchors.GroundTruth{groundTruth[1:]}, OutputLoss)
	assert.ErrorIs(t, err, ErrNoPositiveAnchors)

	_, err = net.Forward(ctx, batch, [][]anchors.GroundTruth{groundTruth, groundTruth}, OutputLoss)
	assert.Error(t, err, "ground truth for two images")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = net.Forward(canceled, batch, [][]anchors.GroundTruth{groundTruth}, OutputLoss)
	assert.ErrorIs(t, err, context.Canceled)
}

// ratioOnly hides the backbone's Strider implementation.
type ratioOnly struct{ backbone.Extractor }

func TestForwardUnalignedInput(t *testing.T) {
	net := newTestRPN(t, testConfig())
	gt := [][]anchors.GroundTruth{groundTruth[:1]}

	aligned, err := net.Forward(context.Background(), synthetic(1, 224), gt, OutputAll)
	require.NoError(t, err)

	// 250 pixels still give a 7x7 map; the last 26 are dropped by the backbone.
	out, err := net.Forward(context.Background(), synthetic(1, 250), gt, OutputAll)
	require.NoError(t, err)
	assert.Equal(t, Stride{X: 32, Y: 32}, out.Stride)
	assert.Equal(t, images.Box{X1: 1, Y1: 1, X2: 4, Y2: 4}, out.Stride.ToFeature(gt[0][0].Box))
	assert.Equal(t, aligned.Positive, out.Positive)

	props, err := net.Inference(context.Background(), synthetic(1, 250), Thresholds{Objectness: 0, NMS: 1}, ModeRPN)
	require.NoError(t, err)
	assert.Equal(t, Stride{X: 32, Y: 32}, props.Stride)
}

func TestStrideFallback(t *testing.T) {
	extractor, err := backbone.NewPatchify(backbone.Config{Stride: 32, OutChannels: 8, LeakyAlpha: 0.01}, nil)
	require.NoError(t, err)
	net, err := New(testConfig(), ratioOnly{extractor}, logs.NewTestingLog(t))
	require.NoError(t, err)

	props, err := net.Inference(context.Background(), synthetic(1, 224), Thresholds{Objectness: 0, NMS: 1}, ModeRPN)
	require.NoError(t, err)
	assert.Equal(t, Stride{X: 32, Y: 32}, props.Stride)

	props, err = net.Inference(context.Background(), synthetic(1, 256), Thresholds{Objectness: 0, NMS: 1}, ModeRPN)
	require.NoError(t, err)
	assert.Equal(t, Stride{X: 32, Y: 32}, props.Stride)

	props, err = net.Inference(context.Background(), synthetic(1, 280), Thresholds{Objectness: 0, NMS: 1}, ModeRPN)
	require.NoError(t, err)
	assert.Equal(t, Stride{X: 35, Y: 35}, props.Stride, "ratio of 280 pixels to 8 cells")
}

func TestInference(t *testing.T) {
	net := newTestRPN(t, testConfig())

	tests := []struct {
		name     string
		mode     InferenceMode
		features bool
	}{
		{name: "rpn", mode: ModeRPN, features: false},
		{name: "faster rcnn", mode: ModeFasterRCNN, features: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Nothing is thresholded or suppressed: one proposal per cell.
			out, err := net.Inference(context.Background(), synthetic(3, 224), Thresholds{Objectness: 0, NMS: 1}, tt.mode)
			require.NoError(t, err)
			require.Len(t, out.Images, 3)
			if tt.features {
				assert.Equal(t, []int{3, 8, 7, 7}, []int(out.Features.Shape()))
			} else {
				assert.Nil(t, out.Features, "no feature placeholder in RPN mode")
			}

			for _, img := range out.Images {
				assert.Len(t, img.Boxes, 7*7)
				assert.Len(t, img.Probabilities, 7*7)
				for i, p := range img.Probabilities {
					assert.GreaterOrEqual(t, p, float32(0))
					assert.LessOrEqual(t, p, float32(1))
					if i > 0 {
						assert.LessOrEqual(t, p, img.Probabilities[i-1], "sorted by probability")
					}
				}
			}
			// Identical images give identical proposals regardless of which worker ran them.
			require.Len(t, out.Images[2].Boxes, len(out.Images[0].Boxes))
			assert.InDeltaSlice(t, out.Images[0].Probabilities, out.Images[2].Probabilities, 1e-5)
		})
	}
}

func TestInferenceEmpty(t *testing.T) {
	net := newTestRPN(t, testConfig())

	out, err := net.Inference(context.Background(), synthetic(2, 224), Thresholds{Objectness: 1.01, NMS: 0.7}, ModeRPN)
	require.NoError(t, err)
	require.Len(t, out.Images, 2)
	for _, img := range out.Images {
		assert.NotNil(t, img.Boxes)
		assert.Empty(t, img.Boxes)
		assert.Empty(t, img.Probabilities)
	}
}

func TestInferenceErrors(t *testing.T) {
	net := newTestRPN(t, testConfig())

	_, err := net.Inference(context.Background(), synthetic(1, 224), DefaultThresholds(), InferenceMode(0))
	assert.ErrorIs(t, err, ErrInvalidInferenceMode)

	_, err = net.Inference(context.Background(), nn.Dense(nil, make([]float32, 3*16*16), 1, 3, 16, 16), DefaultThresholds(), ModeRPN)
	assert.Error(t, err, "image smaller than the stride")
}

func TestInferenceSuppresses(t *testing.T) {
	net := newTestRPN(t, testConfig())

	all, err := net.Inference(context.Background(), synthetic(1, 224), Thresholds{Objectness: 0, NMS: 1}, ModeRPN)
	require.NoError(t, err)
	some, err := net.Inference(context.Background(), synthetic(1, 224), Thresholds{Objectness: 0, NMS: 0}, ModeRPN)
	require.NoError(t, err)

	// At threshold 0 no two kept boxes overlap at all.
	kept := some.Images[0].Boxes
	assert.LessOrEqual(t, len(kept), len(all.Images[0].Boxes))
	for i := range kept {
		for j := i + 1; j < len(kept); j++ {
			assert.Equal(t, float32(0), images.CalculateIoU(kept[i], kept[j]))
		}
	}
}

func TestNew(t *testing.T) {
	extractor, err := backbone.NewPatchify(backbone.Config{Stride: 32, OutChannels: 8}, nil)
	require.NoError(t, err)
	log := logs.NewTestingLog(t)

	tests := []struct {
		name     string
		mutate   func(*Config)
		expected error
	}{
		{name: "no anchors", mutate: func(c *Config) { c.Templates = nil; c.Proposal.NumAnchors = 0 }, expected: ErrNoAnchors},
		{name: "gpu", mutate: func(c *Config) { c.Device = "cuda:0" }, expected: ErrUnsupportedDevice},
		{name: "sampler", mutate: func(c *Config) { c.Sampler = "hard" }, expected: ErrUnknownSampler},
		{name: "template count", mutate: func(c *Config) { c.Templates = c.Templates[:3] }},
		{name: "backbone depth", mutate: func(c *Config) { c.Proposal.InDim = 16 }},
		{name: "threshold", mutate: func(c *Config) { c.PosThresh = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, extractor, log)
			require.Error(t, err)
			if tt.expected != nil {
				assert.ErrorIs(t, err, tt.expected)
			}
		})
	}

	_, err = New(testConfig(), nil, log)
	assert.Error(t, err)

	net, err := New(testConfig(), extractor, log)
	require.NoError(t, err)
	assert.Equal(t, tensor.StdEng{}, net.Engine())
	assert.Equal(t, 9, net.Head().Config().NumAnchors)
}

func TestModes(t *testing.T) {
	outputs := map[string]OutputMode{"loss": OutputLoss, "all": OutputAll}
	for s, expected := range outputs {
		m, err := ParseOutputMode(s)
		require.NoError(t, err)
		assert.Equal(t, expected, m)
		assert.Equal(t, s, m.String())
	}
	_, err := ParseOutputMode("everything")
	assert.ErrorIs(t, err, ErrInvalidOutputMode)

	inference := map[string]InferenceMode{"RPN": ModeRPN, "FasterRCNN": ModeFasterRCNN}
	for s, expected := range inference {
		m, err := ParseInferenceMode(s)
		require.NoError(t, err)
		assert.Equal(t, expected, m)
		assert.Equal(t, s, m.String())
	}
	_, err = ParseInferenceMode("rpn")
	assert.ErrorIs(t, err, ErrInvalidInferenceMode)
}

func TestStride(t *testing.T) {
	s := Stride{X: 32, Y: 16}
	b := images.Box{X1: 32, Y1: 32, X2: 128, Y2: 64}
	assert.Equal(t, images.Box{X1: 1, Y1: 2, X2: 4, Y2: 4}, s.ToFeature(b))
	assert.Equal(t, b, s.ToPixels(s.ToFeature(b)))
}

func TestProposalModule(t *testing.T) {
	cfg := ProposalConfig{InDim: 4, HiddenDim: 8, NumAnchors: 3, DropRatio: 0, LeakyAlpha: 0.01}
	head, err := NewProposalModule(cfg, nil)
	require.NoError(t, err)

	features := nn.Dense(nil, pattern(2*4*5*6, 1), 2, 4, 5, 6)
	dense, err := head.PredictDense(features, false)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2, 5, 6}, []int(dense.Scores.Shape()))
	assert.Equal(t, []int{2, 3, 4, 5, 6}, []int(dense.Offsets.Shape()))

	ix := dense.Index
	targets := Targets{
		Positive:      []int{0, ix.Flat(1, 2, 4, 5), ix.Flat(0, 1, 2, 3)},
		Negative:      []int{ix.Flat(1, 0, 0, 0), 5, 5},
		PositiveBoxes: []images.Box{{X1: 0, Y1: 0, X2: 1, Y2: 1}, {X1: 4, Y1: 3, X2: 7, Y2: 6}, {X1: 2, Y1: 1, X2: 5, Y2: 4}},
	}
	sparse, err := head.PredictForTargets(features, targets)
	require.NoError(t, err)
	assert.Equal(t, []int{6, 2}, []int(sparse.Scores.Shape()))
	assert.Equal(t, []int{3, 4}, []int(sparse.Offsets.Shape()))
	assert.Equal(t, []int{3, 4}, []int(sparse.Proposals.Shape()))

	// Without dropout the sparse gather agrees with the dense prediction.
	ds := dense.Scores.Data().([]float32)
	do := dense.Offsets.Data().([]float32)
	ss := sparse.Scores.Data().([]float32)
	so := sparse.Offsets.Data().([]float32)
	sp := sparse.Proposals.Data().([]float32)
	gathered := append(append([]int{}, targets.Positive...), targets.Negative...)
	for row, i := range gathered {
		for d := 0; d < 2; d++ {
			assert.InDelta(t, ds[ix.Offset(i, 2, d)], ss[row*2+d], 1e-5)
		}
	}
	for row, i := range targets.Positive {
		var off transform.Offset
		for d := range off {
			off[d] = do[ix.Offset(i, 4, d)]
			assert.InDelta(t, off[d], so[row*4+d], 1e-5)
		}
		expected, err := transform.Decode(transform.FasterRCNN, targets.PositiveBoxes[row], off)
		require.NoError(t, err)
		want := expected.Array()
		assert.InDeltaSlice(t, want[:], sp[row*4:row*4+4], 1e-4)
	}
}

func TestProposalModuleErrors(t *testing.T) {
	_, err := NewProposalModule(ProposalConfig{InDim: 4, HiddenDim: 8, NumAnchors: 0}, nil)
	assert.ErrorIs(t, err, ErrNoAnchors)

	_, err = NewProposalModule(ProposalConfig{InDim: 4, HiddenDim: 8, NumAnchors: 2, DropRatio: 1}, nil)
	assert.Error(t, err)

	head, err := NewProposalModule(ProposalConfig{InDim: 4, HiddenDim: 8, NumAnchors: 2}, nil)
	require.NoError(t, err)
	features := nn.Dense(nil, pattern(4*3*3, 0), 1, 4, 3, 3)

	_, err = head.PredictDense(nn.Dense(nil, pattern(2*3*3, 0), 1, 2, 3, 3), false)
	assert.Error(t, err, "wrong depth")

	box := images.Box{X1: 0, Y1: 0, X2: 1, Y2: 1}
	tests := []struct {
		name    string
		targets Targets
	}{
		{name: "box count", targets: Targets{Positive: []int{0}, Negative: []int{1}}},
		{name: "negative count", targets: Targets{Positive: []int{0}, Negative: []int{1, 2}, PositiveBoxes: []images.Box{box}}},
		{name: "out of range", targets: Targets{Positive: []int{18}, Negative: []int{1}, PositiveBoxes: []images.Box{box}}},
		{name: "empty", targets: Targets{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := head.PredictForTargets(features, tt.targets)
			assert.Error(t, err)
		})
	}
}
