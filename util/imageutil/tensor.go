package imageutil

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// Format is the memory layout of an image tensor.
type Format string

const (
	// NHWC is batch, height, width, channels. This is the layout ToTensor
	// produces and the default for models converted from TensorFlow.
	NHWC Format = "NHWC"
	// NCHW is batch, channels, height, width, the usual layout for models
	// exported from PyTorch.
	NCHW Format = "NCHW"
)

// Size is a target image size. Note the order: height first, matching the
// leading dimensions of an NHWC tensor.
type Size struct {
	Height int
	Width  int
}

// Tensor is a 4-D float32 array with an explicit shape and layout. The batch
// dimension is always present (1 for a single image). A Tensor owns its
// backing slice and carries no backend handle: backend tensors are created
// from it at run time and destroyed again before the run returns.
type Tensor struct {
	Data   []float32
	Shape  []int64
	Format Format
}

// NewTensor wraps data in a Tensor after checking it against the shape.
func NewTensor(data []float32, shape []int64, format Format) (*Tensor, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("image tensors are 4-D, got shape %v", shape)
	}
	n := int64(1)
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("image tensor dimensions must be positive, got shape %v", shape)
		}
		n *= d
	}
	if int64(len(data)) != n {
		return nil, fmt.Errorf("tensor data has %d elements, shape %v requires %d", len(data), shape, n)
	}
	return &Tensor{Data: data, Shape: shape, Format: format}, nil
}

// NumElements returns the product of the tensor's dimensions.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t *Tensor) Batch() int64 { return t.Shape[0] }

func (t *Tensor) Height() int64 {
	if t.Format == NCHW {
		return t.Shape[2]
	}
	return t.Shape[1]
}

func (t *Tensor) Width() int64 {
	if t.Format == NCHW {
		return t.Shape[3]
	}
	return t.Shape[2]
}

func (t *Tensor) Channels() int64 {
	if t.Format == NCHW {
		return t.Shape[1]
	}
	return t.Shape[3]
}

func (t *Tensor) String() string {
	return fmt.Sprintf("float32%v %s", t.Shape, t.Format)
}

// Transposed returns the tensor in the requested layout. The receiver is
// never modified; when it is already in the requested layout it is returned
// as is.
func (t *Tensor) Transposed(format Format) *Tensor {
	if t.Format == format {
		return t
	}
	b, h, w, c := t.Batch(), t.Height(), t.Width(), t.Channels()
	out := make([]float32, len(t.Data))
	for i := int64(0); i < b; i++ {
		for y := int64(0); y < h; y++ {
			for x := int64(0); x < w; x++ {
				for ch := int64(0); ch < c; ch++ {
					nhwc := ((i*h+y)*w+x)*c + ch
					nchw := ((i*c+ch)*h+y)*w + x
					if format == NCHW {
						out[nchw] = t.Data[nhwc]
					} else {
						out[nhwc] = t.Data[nchw]
					}
				}
			}
		}
	}
	shape := []int64{b, c, h, w}
	if format == NHWC {
		shape = []int64{b, h, w, c}
	}
	return &Tensor{Data: out, Shape: shape, Format: format}
}

// ApplyNormalization runs the given per-pixel normalization steps over the
// tensor in place, in order.
func (t *Tensor) ApplyNormalization(steps ...NormalizationStep) {
	if len(steps) == 0 {
		return
	}
	b, h, w, c := t.Batch(), t.Height(), t.Width(), t.Channels()
	if c < 3 {
		return
	}
	for i := int64(0); i < b; i++ {
		for y := int64(0); y < h; y++ {
			for x := int64(0); x < w; x++ {
				var rIdx, gIdx, bIdx int64
				if t.Format == NCHW {
					rIdx = ((i*c+0)*h+y)*w + x
					gIdx = ((i*c+1)*h+y)*w + x
					bIdx = ((i*c+2)*h+y)*w + x
				} else {
					rIdx = ((i*h+y)*w+x)*c + 0
					gIdx = ((i*h+y)*w+x)*c + 1
					bIdx = ((i*h+y)*w+x)*c + 2
				}
				r, g, bl := t.Data[rIdx], t.Data[gIdx], t.Data[bIdx]
				for _, step := range steps {
					r, g, bl = step.Apply(r, g, bl)
				}
				t.Data[rIdx], t.Data[gIdx], t.Data[bIdx] = r, g, bl
			}
		}
	}
}

// ToTensor converts an image to a [1, H, W, 3] float32 tensor for the
// requested target size. When the source size differs a bilinear
// stretch-to-fit resize is applied: deterministic, shape only, aspect ratio
// not preserved. With normalize set, pixel values are mapped from [0, 255]
// to [0.0, 1.0] by plain division.
func ToTensor(img image.Image, target Size, normalize bool) (*Tensor, error) {
	if target.Height <= 0 || target.Width <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %dx%d", target.Height, target.Width)
	}
	bounds := img.Bounds()
	if bounds.Dx() != target.Width || bounds.Dy() != target.Height {
		img = imaging.Resize(img, target.Width, target.Height, imaging.Linear)
		bounds = img.Bounds()
	}
	data := make([]float32, target.Height*target.Width*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data[i] = float32(r >> 8)
			data[i+1] = float32(g >> 8)
			data[i+2] = float32(b >> 8)
			i += 3
		}
	}
	if normalize {
		for j := range data {
			data[j] /= 255.0
		}
	}
	return &Tensor{
		Data:   data,
		Shape:  []int64{1, int64(target.Height), int64(target.Width), 3},
		Format: NHWC,
	}, nil
}
