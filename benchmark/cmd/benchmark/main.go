package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-rcnn/benchmark"
	"github.com/nvr-ai/go-rcnn/detector"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to a YAML detector configuration")
		scenarioFile = flag.String("scenarios", "", "Path to a YAML scenario set")
		outputDir    = flag.String("output", "./benchmark_results", "Output directory for results")
		testImages   = flag.String("images", "", "Directory of test images (synthetic frames when empty)")
		quick        = flag.Bool("quick", false, "Run quick benchmark scenarios")
		resolutions  = flag.Bool("resolutions", false, "Compare source frame resolutions")
		thresholds   = flag.Bool("thresholds", false, "Compare objectness thresholds")
		iterations   = flag.Int("iterations", 50, "Iterations of the comparison scenarios")
		timeout      = flag.Duration("timeout", 30*time.Minute, "Benchmark timeout duration")
	)
	flag.Parse()

	log, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg := detector.DefaultConfig()
	if *configFile != "" {
		if cfg, err = detector.LoadConfig(*configFile); err != nil {
			log.Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
	}
	det, err := detector.New(cfg, nil, log)
	if err != nil {
		log.Errorf("Failed to build detector: %v", err)
		os.Exit(1)
	}

	suite := benchmark.NewSuite(det, log)
	if *testImages != "" {
		if err := suite.LoadCorpus(*testImages); err != nil {
			log.Errorf("Failed to load test images: %v", err)
			os.Exit(1)
		}
	}

	var sets []*benchmark.ScenarioSet
	if *scenarioFile != "" {
		set, err := benchmark.LoadScenarioSet(*scenarioFile)
		if err != nil {
			log.Errorf("Failed to load scenario file: %v", err)
			os.Exit(1)
		}
		sets = append(sets, set)
	}
	if *resolutions {
		sets = append(sets, benchmark.ResolutionScenarios(*iterations))
	}
	if *thresholds {
		sets = append(sets, benchmark.ThresholdScenarios(*iterations, 0.1, 0.3, 0.5, 0.7, 0.9))
	}
	if *quick || len(sets) == 0 {
		sets = append(sets, benchmark.QuickScenarios())
	}
	for _, set := range sets {
		for _, s := range set.Scenarios {
			suite.AddScenario(s)
		}
		log.Infof("Added %d %s scenarios", len(set.Scenarios), set.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	start := time.Now()
	if err := suite.RunAllScenarios(ctx); err != nil {
		log.Errorf("Benchmark execution failed: %v", err)
		os.Exit(1)
	}
	log.Infof("Benchmark completed in %v", time.Since(start))

	path := filepath.Join(*outputDir, fmt.Sprintf("results_%s.json", start.Format("20060102_150405")))
	if err := suite.SaveResults(path); err != nil {
		log.Errorf("Failed to save results: %v", err)
		os.Exit(1)
	}

	results := suite.GetResults()
	fmt.Printf("\n=== BENCHMARK RESULTS SUMMARY ===\n")
	fmt.Printf("Total scenarios: %d\n", len(results))
	fmt.Printf("Results saved to: %s\n", path)

	var bestFPS float64
	var bestScenario string
	for _, result := range results {
		if result.FramesPerSecond > bestFPS {
			bestFPS = result.FramesPerSecond
			bestScenario = result.Scenario.Name
		}
		fmt.Printf("  %s: %.2f FPS, p95 %.2f ms (%.2f MB allocated)\n",
			result.Scenario.Name,
			result.FramesPerSecond,
			result.Latency.P95,
			float64(result.MemoryStats.TotalAllocBytes)/(1024*1024))
	}
	fmt.Printf("\nBest performing scenario: %s (%.2f FPS)\n", bestScenario, bestFPS)
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "Benchmark tool for detector inference performance testing.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -quick\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "  %s -images ./test_images -resolutions -thresholds\n", filepath.Base(os.Args[0]))
		fmt.Fprintf(os.Stderr, "  %s -config ./detector.yaml -scenarios ./scenarios.yaml\n", filepath.Base(os.Args[0]))
	}
}
