package detector

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// ErrUnknownClassSet is returned for a class set name not in ClassSets.
var ErrUnknownClassSet = errors.New("unknown class set")

// VOCClasses are the 20 PASCAL VOC object categories, in label order.
var VOCClasses = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train", "tvmonitor",
}

// COCOClasses are the 80 COCO object categories, zero-based with no background.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat", "traffic light",
	"fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie", "suitcase", "frisbee",
	"skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant", "bed",
	"dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone", "microwave", "oven",
	"toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// ClassSets are the label sets a configuration can name with class_set.
var ClassSets = map[string][]string{
	"voc":  VOCClasses,
	"coco": COCOClasses,
}

// LookupClassSet returns a copy of the named label set.
func LookupClassSet(name string) ([]string, error) {
	names, ok := ClassSets[name]
	if !ok {
		known := make([]string, 0, len(ClassSets))
		for k := range ClassSets {
			known = append(known, k)
		}
		sort.Strings(known)
		return nil, errors.Wrapf(ErrUnknownClassSet, "%q (known: %v)", name, known)
	}
	return append([]string(nil), names...), nil
}

// ClassName returns the name of class index idx, or "class_<idx>" when
// names is empty or too short.
func ClassName(names []string, idx int) string {
	if idx >= 0 && idx < len(names) {
		return names[idx]
	}
	return fmt.Sprintf("class_%d", idx)
}

// ClassIndex returns the index of name in names.
func ClassIndex(names []string, name string) (int, bool) {
	for i, n := range names {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// MapClass maps index idx of label set from to the index of the same name in to.
func MapClass(from, to []string, idx int) (int, bool) {
	if idx < 0 || idx >= len(from) {
		return -1, false
	}
	return ClassIndex(to, from[idx])
}
