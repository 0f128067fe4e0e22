// Package transform - Box offset parametrizations used to refine anchors.
//
// An offset is the 4-vector (tx, ty, tw, th) that maps an anchor to a box.
// Two parametrizations exist and both are in use: the training path encodes
// regression targets and decodes positive-anchor proposals with FasterRCNN,
// and the RPN inference path decodes dense predictions with YOLO. Every call
// site names the one it needs.
package transform

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-rcnn/images"
)

// Method selects a box offset parametrization.
type Method int

const (
	// FasterRCNN offsets scale the center shift by the anchor size:
	//
	//	cx' = cx + tx*w,  cy' = cy + ty*h,  w' = w*exp(tw),  h' = h*exp(th)
	FasterRCNN Method = iota + 1
	// YOLO offsets shift the center by an absolute amount in feature-map units:
	//
	//	cx' = cx + tx,  cy' = cy + ty,  w' = w*exp(tw),  h' = h*exp(th)
	YOLO
)

// ErrUnknownMethod is returned for Method values other than FasterRCNN and YOLO.
var ErrUnknownMethod = errors.New("unknown transform method")

func (m Method) String() string {
	switch m {
	case FasterRCNN:
		return "FasterRCNN"
	case YOLO:
		return "YOLO"
	default:
		return "unknown"
	}
}

// ParseMethod maps "FasterRCNN" or "YOLO" to a Method.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "FasterRCNN":
		return FasterRCNN, nil
	case "YOLO":
		return YOLO, nil
	default:
		return 0, errors.Wrapf(ErrUnknownMethod, "%q", s)
	}
}

// Offset is (tx, ty, tw, th).
type Offset [4]float32

// Decode applies an offset to an anchor and returns the proposal box.
//
// A zero offset returns the anchor itself under both methods.
//
// Arguments:
//   - m: The parametrization the offset was produced with.
//   - anchor: The reference box.
//   - offset: The predicted or target offset.
//
// Returns:
//   - The decoded proposal.
//   - ErrUnknownMethod for an invalid method.
//
// @example
// proposal, err := transform.Decode(transform.YOLO, anchor, transform.Offset{0.2, -0.1, 0, 0})
func Decode(m Method, anchor images.Box, offset Offset) (images.Box, error) {
	cx, cy := anchor.Center()
	w, h := anchor.Width(), anchor.Height()

	switch m {
	case FasterRCNN:
		cx += offset[0] * w
		cy += offset[1] * h
	case YOLO:
		cx += offset[0]
		cy += offset[1]
	default:
		return images.Box{}, ErrUnknownMethod
	}

	pw := w * math32.Exp(offset[2])
	ph := h * math32.Exp(offset[3])

	return images.Box{
		X1: cx - pw/2,
		Y1: cy - ph/2,
		X2: cx + pw/2,
		Y2: cy + ph/2,
	}, nil
}

// Encode returns the offset that Decode would need to map anchor onto target.
//
// Both boxes must have positive width and height.
func Encode(m Method, anchor, target images.Box) (Offset, error) {
	aw, ah := anchor.Width(), anchor.Height()
	tw, th := target.Width(), target.Height()
	if aw <= 0 || ah <= 0 || tw <= 0 || th <= 0 {
		return Offset{}, errors.Errorf("cannot encode degenerate box pair anchor=%v target=%v", anchor, target)
	}

	acx, acy := anchor.Center()
	tcx, tcy := target.Center()
	dx, dy := tcx-acx, tcy-acy

	switch m {
	case FasterRCNN:
		dx /= aw
		dy /= ah
	case YOLO:
	default:
		return Offset{}, ErrUnknownMethod
	}

	return Offset{dx, dy, math32.Log(tw / aw), math32.Log(th / ah)}, nil
}
