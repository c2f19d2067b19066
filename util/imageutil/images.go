package imageutil

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"slices"

	"github.com/disintegration/imaging"

	"github.com/sightglass-ml/sightglass/util/fileutil"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"
)

// DecodeError indicates that an image source could not be read or decoded:
// corrupt bytes, an unsupported format, or an unreachable URL.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode image from %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Region is a crop rectangle with its origin at the top-left pixel of the
// image, independent of the underlying bounds offset.
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
}

// InvalidRegionError indicates a crop region that falls outside the image.
// Out-of-bounds regions are a caller error and are never clamped: when the
// coordinates come from an upstream bounding box, clamping would hide the
// bug that produced them.
type InvalidRegionError struct {
	Region      Region
	ImageWidth  int
	ImageHeight int
}

func (e *InvalidRegionError) Error() string {
	return fmt.Sprintf("crop region (x=%d y=%d %dx%d) falls outside image bounds %dx%d",
		e.Region.X, e.Region.Y, e.Region.Width, e.Region.Height, e.ImageWidth, e.ImageHeight)
}

// LoadFromFile decodes an image from a path. The path may be local or any
// URL scheme the file system layer understands (file, s3).
func LoadFromFile(path string) (image.Image, error) {
	return loadImage(context.Background(), path)
}

// LoadFromURL decodes an image fetched from a URL. A network failure is
// reported as a DecodeError just like corrupt bytes: either way the source
// did not yield a usable image.
func LoadFromURL(ctx context.Context, url string) (image.Image, error) {
	return loadImage(ctx, url)
}

// LoadImagesFromPaths decodes a batch of image sources in order.
func LoadImagesFromPaths(ctx context.Context, paths []string) ([]image.Image, error) {
	images := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := loadImage(ctx, path)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, nil
}

func loadImage(ctx context.Context, source string) (image.Image, error) {
	b, err := fileutil.ReadFileBytesContext(ctx, source)
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	return Decode(b, source)
}

// Decode decodes raw image bytes, reporting failures as DecodeError with the
// given source attached.
func Decode(b []byte, source string) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, &DecodeError{Source: source, Err: err}
	}
	return img, nil
}

// FromPixels builds an image from a raw non-premultiplied RGBA buffer of
// width*height*4 bytes. The buffer is copied, never aliased.
func FromPixels(width, height int, rgba []byte) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, &DecodeError{Source: "pixel buffer", Err: fmt.Errorf("dimensions must be positive, got %dx%d", width, height)}
	}
	if len(rgba) != width*height*4 {
		return nil, &DecodeError{Source: "pixel buffer", Err: fmt.Errorf("buffer has %d bytes, %dx%d RGBA requires %d", len(rgba), width, height, width*height*4)}
	}
	return &image.NRGBA{
		Pix:    slices.Clone(rgba),
		Stride: width * 4,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

// Crop returns the region cut out of the image as a new image. The source is
// never modified. A region outside the image fails with InvalidRegionError.
func Crop(img image.Image, region Region) (*image.NRGBA, error) {
	bounds := img.Bounds()
	if region.Width <= 0 || region.Height <= 0 ||
		region.X < 0 || region.Y < 0 ||
		region.X+region.Width > bounds.Dx() ||
		region.Y+region.Height > bounds.Dy() {
		return nil, &InvalidRegionError{Region: region, ImageWidth: bounds.Dx(), ImageHeight: bounds.Dy()}
	}
	rect := image.Rect(
		bounds.Min.X+region.X,
		bounds.Min.Y+region.Y,
		bounds.Min.X+region.X+region.Width,
		bounds.Min.Y+region.Y+region.Height,
	)
	return imaging.Crop(img, rect), nil
}

// Resize returns the image scaled to width x height with a bilinear filter,
// as a new image. Aspect ratio is not preserved. The source is never
// modified.
func Resize(img image.Image, width, height int) (*image.NRGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("resize dimensions must be positive, got %dx%d", width, height)
	}
	return imaging.Resize(img, width, height, imaging.Linear), nil
}

// ToDataURL encodes the image as a base64 JPEG data URL at quality 95. The
// output is deterministic for identical pixel content and encoder version;
// byte-exact round-tripping across encoder implementations is not promised.
func ToDataURL(img image.Image) (string, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
