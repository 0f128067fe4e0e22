package images

import (
	"image"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Channels is the number of color channels written by ToTensor.
const Channels = 3

// ToTensor resizes every image to width x height and packs them into a single
// (B, 3, height, width) float32 tensor in CHW order with values in [0, 1].
//
// Arguments:
//   - imgs: The decoded images. They may have different sizes.
//   - width: The target width in pixels.
//   - height: The target height in pixels.
//
// Returns:
//   - The batch tensor.
//   - An error if the batch is empty or the target size is not positive.
//
// @example
// batch, err := images.ToTensor([]image.Image{frame}, 224, 224)
func ToTensor(imgs []image.Image, width, height int) (*tensor.Dense, error) {
	if len(imgs) == 0 {
		return nil, errors.New("ToTensor requires at least one image")
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid target size %dx%d", width, height)
	}

	plane := width * height
	data := make([]float32, len(imgs)*Channels*plane)
	for i, img := range imgs {
		if img == nil {
			return nil, errors.Errorf("image %d is nil", i)
		}
		resized := img
		if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
			resized = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
		}
		writeCHW(resized, data[i*Channels*plane:(i+1)*Channels*plane], width, height)
	}

	return tensor.New(
		tensor.WithShape(len(imgs), Channels, height, width),
		tensor.WithBacking(data),
	), nil
}

// writeCHW writes the RGB planes of img into dst, normalised to [0, 1].
func writeCHW(img image.Image, dst []float32, width, height int) {
	bounds := img.Bounds()
	plane := width * height
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			idx := y*width + x
			dst[idx] = float32(r>>8) / 255.0
			dst[plane+idx] = float32(g>>8) / 255.0
			dst[2*plane+idx] = float32(b>>8) / 255.0
		}
	}
}
