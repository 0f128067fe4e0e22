package postprocess

import "github.com/nvr-ai/go-rcnn/images"

// Result represents a single detection result.
type Result struct {
	// The bounding box of the result.
	Box images.Box `json:"box" yaml:"box"`
	// The confidence score of the result.
	Score float32 `json:"score" yaml:"score"`
	// The predicted class index of the result.
	Class int `json:"class" yaml:"class"`
}
