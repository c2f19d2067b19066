package imageutil

import (
	"image"

	"github.com/disintegration/imaging"
)

// PreprocessStep is one image-to-image transform in a preprocessing chain.
type PreprocessStep interface {
	Apply(img image.Image) (image.Image, error)
}

// StretchPreprocessor resizes to an exact target size with a bilinear
// filter, ignoring aspect ratio.
type StretchPreprocessor struct {
	height int
	width  int
}

func StretchStep(height, width int) *StretchPreprocessor {
	return &StretchPreprocessor{height: height, width: width}
}

func (s *StretchPreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if bounds.Dx() == s.width && bounds.Dy() == s.height {
		return img, nil
	}
	return imaging.Resize(img, s.width, s.height, imaging.Linear), nil
}

// ResizePreprocessor scales the shortest side to targetSize, preserving
// aspect ratio. Usually followed by a center crop.
type ResizePreprocessor struct {
	targetSize int
}

func ResizeStep(targetSize int) *ResizePreprocessor {
	return &ResizePreprocessor{targetSize: targetSize}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	var newW, newH int
	if w < h {
		newW = s.targetSize
		newH = int(float32(h) * float32(s.targetSize) / float32(w))
	} else {
		newH = s.targetSize
		newW = int(float32(w) * float32(s.targetSize) / float32(h))
	}
	return imaging.Resize(img, newW, newH, imaging.Linear), nil
}

// CenterCropPreprocessor cuts the central region of the given size. Sources
// smaller than the target are reduced to the overlap, as usual for model
// preprocessing chains; the strict bounds checking of Crop applies only to
// caller-supplied regions.
type CenterCropPreprocessor struct {
	targetWidth  int
	targetHeight int
}

func CenterCropStep(targetWidth, targetHeight int) *CenterCropPreprocessor {
	return &CenterCropPreprocessor{targetWidth: targetWidth, targetHeight: targetHeight}
}

func (s *CenterCropPreprocessor) Apply(img image.Image) (image.Image, error) {
	return imaging.CropCenter(img, s.targetWidth, s.targetHeight), nil
}

// NormalizationStep transforms one RGB triple of an image tensor.
type NormalizationStep interface {
	Apply(r, g, b float32) (float32, float32, float32)
}

// RescalePreprocessor maps pixel values from [0, 255] to [0, 1] by plain
// division, with no gamma correction.
type RescalePreprocessor struct{}

func RescaleStep() *RescalePreprocessor {
	return &RescalePreprocessor{}
}

func (s *RescalePreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	scale := float32(1.0 / 255.0)
	return r * scale, g * scale, b * scale
}

// PixelNormalizationPreprocessor shifts and scales each channel by a fixed
// mean and standard deviation. Applied after rescaling.
type PixelNormalizationPreprocessor struct {
	mean [3]float32
	std  [3]float32
}

func PixelNormalizationStep(mean, std [3]float32) *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{mean: mean, std: std}
}

func ImagenetPixelNormalizationStep() *PixelNormalizationPreprocessor {
	return &PixelNormalizationPreprocessor{
		mean: [3]float32{0.485, 0.456, 0.406},
		std:  [3]float32{0.229, 0.224, 0.225},
	}
}

func (s *PixelNormalizationPreprocessor) Apply(r, g, b float32) (float32, float32, float32) {
	r = (r - s.mean[0]) / s.std[0]
	g = (g - s.mean[1]) / s.std[1]
	b = (b - s.mean[2]) / s.std[2]
	return r, g, b
}
