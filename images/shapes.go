// Package images - Box geometry and image tensor utilities.
package images

import "fmt"

// Box is an axis-aligned box given by its top-left (X1, Y1) and
// bottom-right (X2, Y2) corners. Coordinates are continuous, so a box with
// X1 == X2 has zero width.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Width returns the width of the box.
func (b Box) Width() float32 {
	return b.X2 - b.X1
}

// Height returns the height of the box.
func (b Box) Height() float32 {
	return b.Y2 - b.Y1
}

// Area returns the area of the box, or zero for degenerate boxes.
func (b Box) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Center returns the center point of the box.
func (b Box) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Scale multiplies the x coordinates by sx and the y coordinates by sy.
//
// Arguments:
//   - sx: The horizontal scale factor.
//   - sy: The vertical scale factor.
//
// Returns:
//   - The scaled box.
//
// @example
// pixels := featureBox.Scale(32, 32) // feature-map cell units to pixels
func (b Box) Scale(sx, sy float32) Box {
	return Box{X1: b.X1 * sx, Y1: b.Y1 * sy, X2: b.X2 * sx, Y2: b.Y2 * sy}
}

// Array returns the box as [x1, y1, x2, y2].
func (b Box) Array() [4]float32 {
	return [4]float32{b.X1, b.Y1, b.X2, b.Y2}
}

// BoxFromArray builds a Box from [x1, y1, x2, y2].
func BoxFromArray(a [4]float32) Box {
	return Box{X1: a[0], Y1: a[1], X2: a[2], Y2: a[3]}
}

func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f), (%.2f, %.2f)", b.X1, b.Y1, b.X2, b.Y2)
}

// CalculateIoU returns the Intersection over Union of two boxes.
//
// The intersection corner is the maximum of the top-left corners and the
// minimum of the bottom-right corners. Disjoint or touching boxes have a zero
// intersection and return 0. The union follows inclusion-exclusion:
//
//	Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
//
// Arguments:
//   - r: The first box.
//   - o: The other box to compare against.
//
// Returns:
//   - A value between 0.0 and 1.0. Two degenerate boxes return 0.
//
// @example
// iou := CalculateIoU(Box{0, 0, 10, 10}, Box{5, 5, 15, 15}) // 25 / 175 = 0.142857
func CalculateIoU(r, o Box) float32 {
	ix1 := max(r.X1, o.X1)
	iy1 := max(r.Y1, o.Y1)
	ix2 := min(r.X2, o.X2)
	iy2 := min(r.Y2, o.Y2)

	interW := ix2 - ix1
	interH := iy2 - iy1
	if interW <= 0 || interH <= 0 {
		return 0
	}
	interArea := interW * interH

	unionArea := r.Area() + o.Area() - interArea
	if unionArea <= 0 {
		return 0
	}
	return interArea / unionArea
}
