// Command rcnn runs the two-stage detector over image files and prints the
// detections of each, as text or JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-rcnn/detector"
	"github.com/nvr-ai/go-rcnn/images"
	"github.com/nvr-ai/go-rcnn/rpn"
)

// fileDetections is the JSON record of one image.
type fileDetections struct {
	Path       string      `json:"path"`
	Detections []detection `json:"detections"`
}

type detection struct {
	Class       int        `json:"class"`
	Label       string     `json:"label"`
	Probability float32    `json:"probability"`
	Box         [4]float32 `json:"box"`
}

func main() {
	defaults := rpn.DefaultThresholds()

	parser := argparse.NewParser("rcnn", "Two-stage object detection over JPEG, PNG and WebP images")
	input := parser.String("i", "images", &argparse.Options{Help: "Image file or directory", Required: true})
	configFile := parser.String("c", "config", &argparse.Options{Help: "YAML detector configuration (defaults when empty)"})
	objectness := parser.Float("", "objectness", &argparse.Options{Help: "Minimum object probability", Default: float64(defaults.Objectness)})
	nms := parser.Float("", "nms", &argparse.Options{Help: "NMS IoU threshold", Default: float64(defaults.NMS)})
	batchSize := parser.Int("b", "batch", &argparse.Options{Help: "Images per inference batch", Default: 8})
	timeout := parser.Int("t", "timeout", &argparse.Options{Help: "Overall timeout in seconds", Default: 600})
	asJSON := parser.Flag("j", "json", &argparse.Options{Help: "Write detections as JSON"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	log, err := logs.NewLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	if *batchSize <= 0 {
		log.Errorf("Batch size must be positive, got %d", *batchSize)
		os.Exit(2)
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

	files, err := loadFiles(*input)
	if err != nil {
		log.Errorf("Failed to load images: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*timeout)*time.Second)
	defer cancel()

	th := rpn.Thresholds{Objectness: float32(*objectness), NMS: float32(*nms)}
	var records []fileDetections
	for start := 0; start < len(files); start += *batchSize {
		end := min(start+*batchSize, len(files))
		batch := make([]image.Image, 0, end-start)
		paths := make([]string, 0, end-start)
		for _, f := range files[start:end] {
			img, err := f.Decode()
			if err != nil {
				log.Warnf("Skipping %v", err)
				continue
			}
			batch = append(batch, img)
			paths = append(paths, f.Path)
		}
		if len(batch) == 0 {
			continue
		}

		dets, err := det.DetectImages(ctx, batch, th)
		if err != nil {
			log.Errorf("Detection failed: %v", err)
			os.Exit(1)
		}
		for i, d := range dets {
			records = append(records, record(paths[i], d, cfg.ClassNames))
		}
	}

	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(records); err != nil {
			log.Errorf("Failed to write JSON: %v", err)
			os.Exit(1)
		}
		return
	}
	for _, r := range records {
		fmt.Printf("%s: %d detections\n", r.Path, len(r.Detections))
		for _, d := range r.Detections {
			fmt.Printf("  %-12s %.3f %v\n", d.Label, d.Probability, images.BoxFromArray(d.Box))
		}
	}
}

func record(path string, d detector.ImageDetections, names []string) fileDetections {
	labels := d.Labels(names)
	out := fileDetections{Path: path, Detections: make([]detection, d.Len())}
	for j, box := range d.Boxes {
		out.Detections[j] = detection{
			Class:       d.Classes[j],
			Label:       labels[j],
			Probability: d.Probabilities[j],
			Box:         box.Array(),
		}
	}
	return out
}

func loadFiles(path string) ([]images.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return images.LoadDirectory(path)
	}
	f, err := images.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []images.File{f}, nil
}
