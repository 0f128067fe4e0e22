package roi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/nn"
)

// ramp returns a (2, 1, 4, 4) map: image 0 holds f(y, x) = x, image 1 holds 7.
func ramp() []float32 {
	data := make([]float32, 2*16)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			data[y*4+x] = float32(x)
			data[16+y*4+x] = 7
		}
	}
	return data
}

func TestAlign(t *testing.T) {
	features := nn.Dense(nil, ramp(), 2, 1, 4, 4)

	tests := []struct {
		name     string
		region   Region
		expected []float32
	}{
		{
			// Right bins sample x = 2.5 and x = 3.5, the latter clamped to 3.
			name:     "ramp over whole map",
			region:   Region{Batch: 0, Box: images.Box{X1: 0, Y1: 0, X2: 4, Y2: 4}},
			expected: []float32{1, 2.75, 1, 2.75},
		},
		{
			name:     "constant image",
			region:   Region{Batch: 1, Box: images.Box{X1: 0.3, Y1: 1.2, X2: 2.9, Y2: 3.1}},
			expected: []float32{7, 7, 7, 7},
		},
		{
			name:     "outside the map",
			region:   Region{Batch: 1, Box: images.Box{X1: -10, Y1: -10, X2: -5, Y2: -5}},
			expected: []float32{0, 0, 0, 0},
		},
		{
			// Degenerate boxes grow to one cell: samples at x = 1.25 and 1.75.
			name:     "degenerate box",
			region:   Region{Batch: 0, Box: images.Box{X1: 1, Y1: 1, X2: 1, Y2: 1}},
			expected: []float32{1.25, 1.75, 1.25, 1.75},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Align(features, []Region{tt.region}, DefaultAlignConfig())
			require.NoError(t, err)
			assert.Equal(t, []int{1, 1, 2, 2}, []int(out.Shape()))
			assert.InDeltaSlice(t, tt.expected, out.Data().([]float32), 1e-5)
		})
	}
}

func TestAlignManyRegions(t *testing.T) {
	features := nn.Dense(nil, ramp(), 2, 1, 4, 4)
	regions := []Region{
		{Batch: 1, Box: images.Box{X1: 0, Y1: 0, X2: 2, Y2: 2}},
		{Batch: 0, Box: images.Box{X1: 0, Y1: 0, X2: 4, Y2: 4}},
	}

	cfg := AlignConfig{OutH: 1, OutW: 1, SpatialScale: 1, SamplingRatio: 2}
	out, err := Align(features, regions, cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1, 1}, []int(out.Shape()))
	// Region 1 samples x = 1 and x = 3.
	assert.InDeltaSlice(t, []float32{7, 2}, out.Data().([]float32), 1e-5)
}

func TestAlignErrors(t *testing.T) {
	features := nn.Dense(nil, ramp(), 2, 1, 4, 4)

	_, err := Align(features, []Region{{Batch: 2}}, DefaultAlignConfig())
	assert.Error(t, err)

	_, err = Align(features, []Region{{Batch: 0}}, AlignConfig{OutH: 0, OutW: 2})
	assert.Error(t, err)

	_, err = Align(nn.Dense(nil, make([]float32, 4), 2, 2), []Region{{Batch: 0}}, DefaultAlignConfig())
	assert.Error(t, err)
}

func TestAlignNoRegions(t *testing.T) {
	features := nn.Dense(nil, ramp(), 2, 1, 4, 4)

	pooled, err := Align(features, nil, AlignConfig{OutH: 3, OutW: 2, SpatialScale: 1})
	require.NoError(t, err)
	require.NotNil(t, pooled)
	assert.Equal(t, []int{0, 1, 3, 2}, []int(pooled.Shape()))

	mean, err := MeanPool(pooled)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int(mean.Shape()))
	data, err := nn.Float32s(mean)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMeanPool(t *testing.T) {
	pooled := nn.Dense(nil, []float32{1, 2, 3, 4, 0, 0, 0, 8}, 1, 2, 2, 2)
	out, err := MeanPool(pooled)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, []int(out.Shape()))
	assert.Equal(t, []float32{2.5, 2}, out.Data().([]float32))

	_, err = MeanPool(nn.Dense(nil, []float32{1, 2}, 1, 2))
	assert.Error(t, err)

	_, err = MeanPool(nil)
	assert.Error(t, err)
}
