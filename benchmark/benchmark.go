// Package benchmark measures detector latency, throughput and memory over
// configurable input resolutions and batch sizes.
package benchmark

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/nvr-ai/go-rcnn/detector"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/rpn"
)

// Detector is the part of detector.TwoStage a benchmark drives.
type Detector interface {
	DetectImages(ctx context.Context, imgs []image.Image, th rpn.Thresholds) ([]detector.ImageDetections, error)
}

// Resolution represents image dimensions for benchmarking
type Resolution struct {
	Width  int    `json:"width"  yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Name   string `json:"name"   yaml:"name"`
}

// CommonResolutions are the source frame sizes the predefined scenarios use.
var CommonResolutions = []Resolution{
	{Width: 224, Height: 224, Name: "224x224"},
	{Width: 640, Height: 480, Name: "VGA"},
	{Width: 1280, Height: 720, Name: "HD 720p"},
	{Width: 1920, Height: 1080, Name: "Full HD 1080p"},
}

// Scenario defines a specific test configuration
type Scenario struct {
	Name       string         `json:"name"        yaml:"name"`
	Resolution Resolution     `json:"resolution"  yaml:"resolution"`
	BatchSize  int            `json:"batch_size"  yaml:"batch_size"`
	Iterations int            `json:"iterations"  yaml:"iterations"`
	WarmupRuns int            `json:"warmup_runs" yaml:"warmup_runs"`
	Thresholds rpn.Thresholds `json:"thresholds"  yaml:"thresholds"`
}

// Validate reports the first invalid field.
func (s Scenario) Validate() error {
	if s.Resolution.Width <= 0 || s.Resolution.Height <= 0 {
		return errors.Errorf("scenario %q: invalid resolution %dx%d", s.Name, s.Resolution.Width, s.Resolution.Height)
	}
	if s.BatchSize <= 0 || s.Iterations <= 0 || s.WarmupRuns < 0 {
		return errors.Errorf("scenario %q: batch size and iterations must be positive", s.Name)
	}
	return nil
}

// LatencyStats summarises per-batch latencies in milliseconds.
type LatencyStats struct {
	Mean   float64 `json:"mean_ms"`
	StdDev float64 `json:"stddev_ms"`
	Min    float64 `json:"min_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	Max    float64 `json:"max_ms"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
}

// PerformanceMetrics captures detailed performance data
type PerformanceMetrics struct {
	Scenario        Scenario      `json:"scenario"`
	Timestamp       time.Time     `json:"timestamp"`
	TotalDuration   time.Duration `json:"total_duration"`
	FramesPerSecond float64       `json:"frames_per_second"`
	Latency         LatencyStats  `json:"latency"`
	MemoryStats     MemoryMetrics `json:"memory_stats"`
	NumCPU          int           `json:"num_cpu"`
	DetectionCount  int           `json:"detection_count"`
	ErrorRate       float64       `json:"error_rate"`
}

// Suite manages and executes benchmark scenarios
type Suite struct {
	detector  Detector
	log       logs.Log
	mu        sync.RWMutex
	scenarios []Scenario
	corpus    []image.Image
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - det: The detector under test.
//   - log: The logger.
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(det Detector, log logs.Log) *Suite {
	return &Suite{detector: det, log: log}
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// Scenarios returns the queued scenarios.
func (bs *Suite) Scenarios() []Scenario {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return append([]Scenario(nil), bs.scenarios...)
}

// SetCorpus replaces the images scenarios draw from. Each scenario resizes
// them to its resolution. An empty corpus falls back to a synthetic frame.
func (bs *Suite) SetCorpus(imgs []image.Image) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.corpus = imgs
}

// LoadCorpus decodes every image in dir into the corpus.
func (bs *Suite) LoadCorpus(dir string) error {
	files, err := images.LoadDirectory(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Errorf("no images in %s", dir)
	}
	imgs := make([]image.Image, 0, len(files))
	for _, f := range files {
		img, err := f.Decode()
		if err != nil {
			bs.log.Warnf("Benchmark: skipping %v", err)
			continue
		}
		imgs = append(imgs, img)
	}
	bs.SetCorpus(imgs)
	return nil
}

// frames returns a batch of iteration i at the scenario resolution.
func (bs *Suite) frames(s Scenario, i int) []image.Image {
	bs.mu.RLock()
	corpus := bs.corpus
	bs.mu.RUnlock()

	batch := make([]image.Image, s.BatchSize)
	for b := range batch {
		if len(corpus) == 0 {
			batch[b] = syntheticFrame(s.Resolution.Width, s.Resolution.Height)
			continue
		}
		batch[b] = corpus[(i*s.BatchSize+b)%len(corpus)]
	}
	return batch
}

// syntheticFrame is a deterministic gradient of the given size.
func syntheticFrame(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

// RunScenario executes a single benchmark scenario. Failed iterations count
// towards ErrorRate and are excluded from the latency statistics.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}

	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, err := bs.detector.DetectImages(ctx, bs.frames(scenario, i), scenario.Thresholds); err != nil {
			bs.log.Debugf("Benchmark: warmup %d of %s failed: %v", i, scenario.Name, err)
		}
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	metrics := &PerformanceMetrics{Scenario: scenario, Timestamp: time.Now(), NumCPU: runtime.NumCPU()}
	latencies := make([]float64, 0, scenario.Iterations)
	failures := 0
	start := time.Now()

	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch := bs.frames(scenario, i)
		t0 := time.Now()
		dets, err := bs.detector.DetectImages(ctx, batch, scenario.Thresholds)
		if err != nil {
			failures++
			continue
		}
		latencies = append(latencies, float64(time.Since(t0).Microseconds())/1000)
		for _, d := range dets {
			metrics.DetectionCount += d.Len()
		}
	}

	metrics.TotalDuration = time.Since(start)

	var endMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&endMem)

	if secs := metrics.TotalDuration.Seconds(); secs > 0 {
		metrics.FramesPerSecond = float64(len(latencies)*scenario.BatchSize) / secs
	}
	metrics.ErrorRate = float64(failures) / float64(scenario.Iterations)
	metrics.Latency = summarize(latencies)
	metrics.MemoryStats = MemoryMetrics{
		AllocBytes:      endMem.Alloc,
		TotalAllocBytes: endMem.TotalAlloc - startMem.TotalAlloc,
		SysBytes:        endMem.Sys,
		NumGC:           endMem.NumGC - startMem.NumGC,
		HeapAllocBytes:  endMem.HeapAlloc,
	}

	bs.log.Infof("Benchmark: %s: %.2f FPS, p50 %.2f ms, %d detections, error rate %.2f",
		scenario.Name, metrics.FramesPerSecond, metrics.Latency.P50, metrics.DetectionCount, metrics.ErrorRate)
	return metrics, nil
}

// summarize computes latency statistics. An empty sample gives zero values.
func summarize(ms []float64) LatencyStats {
	if len(ms) == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), ms...)
	sort.Float64s(sorted)
	out := LatencyStats{
		Mean: stat.Mean(sorted, nil),
		Min:  sorted[0],
		P50:  stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:  stat.Quantile(0.95, stat.Empirical, sorted, nil),
		Max:  sorted[len(sorted)-1],
	}
	if len(sorted) > 1 {
		out.StdDev = stat.StdDev(sorted, nil)
	}
	return out
}

// RunAllScenarios runs every queued scenario in order and records the results.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	for _, scenario := range bs.Scenarios() {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			return errors.Wrapf(err, "scenario %s", scenario.Name)
		}
		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()
	}
	return nil
}

// GetResults returns the recorded results.
func (bs *Suite) GetResults() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return append([]PerformanceMetrics(nil), bs.results...)
}

// SaveResults writes the recorded results as indented JSON.
func (bs *Suite) SaveResults(path string) error {
	data, err := json.MarshalIndent(bs.GetResults(), "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding results")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", filepath.Dir(path))
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing %s", path)
}
