package detector

import (
	"context"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-rcnn/anchors"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/nn"
	"github.com/nvr-ai/go-rcnn/rpn"
)

func synthetic(count, size int) *tensor.Dense {
	plane := 3 * size * size
	data := make([]float32, count*plane)
	for i := range data {
		data[i] = float32(0.5 + 0.5*math.Sin(float64(i%plane)*0.37))
	}
	return nn.Dense(nil, data, count, 3, size, size)
}

// testConfig is a three class detector over an 8-channel, stride-32 backbone.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Backbone.OutChannels = 8
	cfg.RPN.Proposal.InDim = 8
	cfg.RPN.Proposal.HiddenDim = 16
	cfg.RPN.Workers = 2
	cfg.NumClasses = 3
	cfg.ClassNames = nil
	cfg.ClassSet = ""
	cfg.HiddenDim = 16
	return cfg
}

func newTestDetector(t *testing.T, cfg Config) *TwoStage {
	t.Helper()
	det, err := New(cfg, nil, logs.NewTestingLog(t))
	require.NoError(t, err)
	return det
}

func groundTruth(class int) [][]anchors.GroundTruth {
	gt := []anchors.GroundTruth{{Box: images.Box{X1: 32, Y1: 32, X2: 128, Y2: 128}, Class: class}}
	return [][]anchors.GroundTruth{gt, gt}
}

func TestForward(t *testing.T) {
	det := newTestDetector(t, testConfig())

	loss, err := det.Forward(context.Background(), synthetic(2, 224), groundTruth(1))
	require.NoError(t, err)

	for _, v := range []float32{loss.Total, loss.RPN, loss.Classification} {
		assert.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
	}
	assert.Greater(t, loss.RPN, float32(0))
	assert.Greater(t, loss.Classification, float32(0))
	assert.InDelta(t, loss.RPN+loss.Classification, loss.Total, 1e-5)
}

func TestForwardErrors(t *testing.T) {
	det := newTestDetector(t, testConfig())
	ctx := context.Background()

	_, err := det.Forward(ctx, synthetic(2, 224), groundTruth(7))
	assert.Error(t, err, "class outside the classifier's range")

	padding := []anchors.GroundTruth{{Box: images.Box{X1: -1, Y1: -1, X2: -1, Y2: -1}, Class: -1}}
	_, err = det.Forward(ctx, synthetic(1, 224), [][]anchors.GroundTruth{padding})
	assert.ErrorIs(t, err, rpn.ErrNoPositiveAnchors)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = det.Forward(cancelled, synthetic(2, 224), groundTruth(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInference(t *testing.T) {
	det := newTestDetector(t, testConfig())

	dets, err := det.Inference(context.Background(), synthetic(2, 224), rpn.Thresholds{Objectness: 0, NMS: 1})
	require.NoError(t, err)
	require.Len(t, dets, 2)

	for _, d := range dets {
		require.Equal(t, 49, d.Len())
		assert.Len(t, d.Probabilities, 49)
		assert.Len(t, d.Classes, 49)
		assert.IsNonIncreasing(t, d.Probabilities)
		for _, c := range d.Classes {
			assert.GreaterOrEqual(t, c, 0)
			assert.Less(t, c, 3)
		}
	}
	// Identical images give identical detections.
	assert.Equal(t, dets[0].Classes, dets[1].Classes)
	assert.InDeltaSlice(t, dets[0].Probabilities, dets[1].Probabilities, 1e-6)
}

func TestInferenceEmpty(t *testing.T) {
	det := newTestDetector(t, testConfig())

	dets, err := det.Inference(context.Background(), synthetic(2, 224), rpn.Thresholds{Objectness: 1.01, NMS: 0.7})
	require.NoError(t, err)
	require.Len(t, dets, 2)
	for _, d := range dets {
		assert.NotNil(t, d.Boxes)
		assert.NotNil(t, d.Probabilities)
		assert.NotNil(t, d.Classes)
		assert.Zero(t, d.Len())
	}
}

func TestDetectImages(t *testing.T) {
	cfg := testConfig()
	det := newTestDetector(t, cfg)

	big := image.NewRGBA(image.Rect(0, 0, 448, 448))
	small := image.NewRGBA(image.Rect(0, 0, 112, 56))
	for y := 0; y < 448; y++ {
		for x := 0; x < 448; x++ {
			c := color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255}
			big.Set(x, y, c)
			small.Set(x/4, y/8, c)
		}
	}

	th := rpn.Thresholds{Objectness: 0, NMS: 1}
	dets, err := det.DetectImages(context.Background(), []image.Image{big, small}, th)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, 49, dets[0].Len())
	assert.Equal(t, 49, dets[1].Len())

	// The big image is twice the input size, so its boxes are twice those of
	// Inference on the resized tensor.
	batch, err := images.ToTensor([]image.Image{big}, cfg.InputWidth, cfg.InputHeight)
	require.NoError(t, err)
	resized, err := det.Inference(context.Background(), batch, th)
	require.NoError(t, err)
	require.Equal(t, resized[0].Len(), dets[0].Len())
	for _, b := range resized[0].Boxes {
		want := b.Scale(2, 2)
		found := false
		for _, got := range dets[0].Boxes {
			if images.CalculateIoU(want, got) > 0.999 {
				found = true
				break
			}
		}
		assert.True(t, found, "no detection matches %v", want)
	}

	_, err = det.DetectImages(context.Background(), []image.Image{nil}, th)
	assert.Error(t, err)
}

func TestImageDetections(t *testing.T) {
	d := ImageDetections{
		Boxes:         []images.Box{{X1: 0, Y1: 0, X2: 10, Y2: 10}, {X1: 5, Y1: 5, X2: 20, Y2: 30}},
		Probabilities: []float32{0.9, 0.6},
		Classes:       []int{14, 25},
	}

	results := d.Results()
	require.Len(t, results, 2)
	assert.Equal(t, d.Boxes[1], results[1].Box)
	assert.Equal(t, float32(0.9), results[0].Score)
	assert.Equal(t, 14, results[0].Class)

	assert.Equal(t, []string{"person", "class_25"}, d.Labels(VOCClasses))
	assert.Equal(t, []string{"class_14", "class_25"}, d.Labels(nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		target error
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "no classes", modify: func(c *Config) { c.NumClasses = 0 }, target: ErrNoClasses},
		{name: "unknown device", modify: func(c *Config) { c.RPN.Device = "cuda" }, target: rpn.ErrUnsupportedDevice},
		{name: "names mismatch", modify: func(c *Config) { c.ClassNames = []string{"a"} }},
		{name: "bad dropout", modify: func(c *Config) { c.DropRatio = 1 }},
		{name: "bad roi", modify: func(c *Config) { c.RoI.OutW = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			det, err := New(cfg, nil, logs.NewTestingLog(t))
			if tt.name == "default" {
				require.NoError(t, err)
				assert.Equal(t, 3, det.Config().NumClasses)
				assert.NotNil(t, det.RPN())
				return
			}
			require.Error(t, err)
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("num_classes: 3\nhidden_dim: 32\nrpn:\n  sampler: strided\n  pos_thresh: 0.6\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NumClasses)
	assert.Nil(t, cfg.ClassNames)
	assert.Equal(t, 32, cfg.HiddenDim)
	assert.Equal(t, rpn.SamplerStrided, cfg.RPN.Sampler)
	assert.Equal(t, float32(0.6), cfg.RPN.PosThresh)

	def := DefaultConfig()
	assert.Equal(t, def.RPN.NegThresh, cfg.RPN.NegThresh)
	assert.Equal(t, def.RoI, cfg.RoI)
	assert.Equal(t, def.RPN.Templates, cfg.RPN.Templates)

	cfg, err = ParseConfig([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, VOCClasses, cfg.ClassNames)

	cfg, err = ParseConfig([]byte("rpn:\n  templates:\n    - {w: 1, h: 1}\n    - {w: 3, h: 3}\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RPN.Proposal.NumAnchors)
	assert.Equal(t, []anchors.Template{{W: 1, H: 1}, {W: 3, H: 3}}, cfg.RPN.Templates)

	_, err = ParseConfig([]byte("rpn:\n  templates:\n    - {w: 1, h: 1}\n  proposal:\n    num_anchors: 9\n"))
	assert.Error(t, err, "explicit anchor count disagrees with templates")

	cfg, err = ParseConfig([]byte("class_set: coco\n"))
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.NumClasses)
	assert.Equal(t, "toothbrush", cfg.ClassNames[79])

	cfg, err = ParseConfig([]byte("class_names: [cat, dog, bird]\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.NumClasses)
	assert.Empty(t, cfg.ClassSet)

	_, err = ParseConfig([]byte("class_set: coco\nnum_classes: 20\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("class_set: imagenet\n"))
	assert.ErrorIs(t, err, ErrUnknownClassSet)

	_, err = ParseConfig([]byte("num_classes: 0\n"))
	assert.ErrorIs(t, err, ErrNoClasses)

	_, err = ParseConfig([]byte("num_classes: 2\nclass_names: [a]\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("num_classes: [\n"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_classes: 2\nclass_names: [cat, dog]\ninput_width: 320\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, cfg.ClassNames)
	assert.Equal(t, 320, cfg.InputWidth)
	assert.Equal(t, 224, cfg.InputHeight)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestClasses(t *testing.T) {
	assert.Len(t, VOCClasses, 20)
	assert.Equal(t, "aeroplane", ClassName(VOCClasses, 0))
	assert.Equal(t, "class_-1", ClassName(VOCClasses, -1))

	idx, ok := ClassIndex(VOCClasses, "dog")
	assert.True(t, ok)
	assert.Equal(t, 11, idx)
	_, ok = ClassIndex(VOCClasses, "giraffe")
	assert.False(t, ok)

	assert.Len(t, COCOClasses, 80)
	idx, ok = MapClass(VOCClasses, COCOClasses, 14)
	assert.True(t, ok, "person")
	assert.Equal(t, 0, idx)
	_, ok = MapClass(VOCClasses, COCOClasses, 13)
	assert.False(t, ok, "motorbike is motorcycle in COCO")
	_, ok = MapClass(VOCClasses, COCOClasses, 20)
	assert.False(t, ok)

	names, err := LookupClassSet("voc")
	require.NoError(t, err)
	names[0] = "changed"
	assert.Equal(t, "aeroplane", VOCClasses[0])
}

func TestClassifier(t *testing.T) {
	c, err := NewClassifier(8, 16, 4, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, c.NumClasses())

	data := make([]float32, 3*8)
	for i := range data {
		data[i] = float32(i%5) * 0.1
	}
	features := nn.Dense(nil, data, 3, 8)

	train, err := c.Logits(features, true)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, []int(train.Shape()))

	eval, err := c.Logits(features, false)
	require.NoError(t, err)
	a, _ := nn.Float32s(train)
	b, _ := nn.Float32s(eval)
	assert.InDeltaSlice(t, a, b, 1e-6, "no dropout means training and inference agree")

	_, err = c.Logits(nn.Dense(nil, make([]float32, 8), 8), false)
	assert.Error(t, err)

	_, err = NewClassifier(8, 0, 4, 0, nil)
	assert.Error(t, err)
}

func TestClassifyNoRegions(t *testing.T) {
	det := newTestDetector(t, testConfig())
	features := nn.Dense(nil, make([]float32, 8*7*7), 1, 8, 7, 7)

	logits, err := det.classify(features, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, []int(logits.Shape()))
}
