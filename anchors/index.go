// Package anchors - Anchor templates, anchor grids and ground-truth assignment.
package anchors

import "github.com/pkg/errors"

// Index maps (image, template, row, col) to a single flat anchor index and
// back. The flat order is image-major, then template, then row, then column:
//
//	flat = ((b*A + a)*H + h)*W + w
//
// The assignment procedure produces indices in this order and the proposal
// module gathers predictions with it, so both sides must use this type.
type Index struct {
	Batch   int
	Anchors int
	Height  int
	Width   int
}

// NewIndex returns the index for a batch of B images, A templates and an
// H x W grid.
func NewIndex(b, a, h, w int) (Index, error) {
	if b <= 0 || a <= 0 || h <= 0 || w <= 0 {
		return Index{}, errors.Errorf("invalid anchor index dimensions B=%d A=%d H=%d W=%d", b, a, h, w)
	}
	return Index{Batch: b, Anchors: a, Height: h, Width: w}, nil
}

// PerImage returns the number of anchors for a single image (A*H*W).
func (ix Index) PerImage() int {
	return ix.Anchors * ix.Height * ix.Width
}

// Len returns the number of anchors in the batch.
func (ix Index) Len() int {
	return ix.Batch * ix.PerImage()
}

// Flat returns the flat index of anchor template a at row h, column w of image b.
func (ix Index) Flat(b, a, h, w int) int {
	return ((b*ix.Anchors+a)*ix.Height+h)*ix.Width + w
}

// Unflat is the inverse of Flat.
func (ix Index) Unflat(i int) (b, a, h, w int) {
	w = i % ix.Width
	i /= ix.Width
	h = i % ix.Height
	i /= ix.Height
	a = i % ix.Anchors
	b = i / ix.Anchors
	return b, a, h, w
}

// Image returns the index of the image that owns flat anchor index i.
func (ix Index) Image(i int) int {
	return i / ix.PerImage()
}

// Contains reports whether i is a valid flat index.
func (ix Index) Contains(i int) bool {
	return i >= 0 && i < ix.Len()
}

// Offset returns the position of element d of anchor i in a row-major
// (B, A, D, H, W) tensor, the layout of per-anchor prediction tensors.
func (ix Index) Offset(i, depth, d int) int {
	b, a, h, w := ix.Unflat(i)
	return (((b*ix.Anchors+a)*depth+d)*ix.Height+h)*ix.Width + w
}
