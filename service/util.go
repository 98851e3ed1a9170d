package service

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "github.com/gen2brain/avif"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// DefaultMaxPixels bounds the decoded width*height of an upload.
const DefaultMaxPixels = 40_000_000

type PreprocessOptions struct {
	Size   int
	Layout Layout
	// MaxPixels rejects larger uploads before they are decoded; 0 means
	// DefaultMaxPixels.
	MaxPixels int64
}

func DefaultPreprocessOptions() PreprocessOptions {
	return PreprocessOptions{Size: DefaultImageSize, Layout: NHWC, MaxPixels: DefaultMaxPixels}
}

func (o PreprocessOptions) Shape() []int64 {
	s := int64(o.Size)
	if o.Layout == NCHW {
		return []int64{1, 3, s, s}
	}
	return []int64{1, s, s, 3}
}

func (o PreprocessOptions) validate() error {
	if o.Size <= 0 {
		return fmt.Errorf("invalid image size %d", o.Size)
	}
	if o.Layout != NHWC && o.Layout != NCHW {
		return fmt.Errorf("unsupported layout %q", o.Layout)
	}
	if o.MaxPixels < 0 {
		return fmt.Errorf("invalid pixel limit %d", o.MaxPixels)
	}
	return nil
}

// Decode parses JPEG, PNG, WebP or AVIF bytes. The header is read first so
// images larger than maxPixels are rejected without allocating them.
func Decode(data []byte, maxPixels int64) (img image.Image, err error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: image is %dx%d, limit is %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("%w: decoder panic: %v", ErrDecode, r)
		}
	}()
	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, nil
}

// Preprocess stretches img to Size x Size with bilinear filtering and scales
// RGB to [0,1]. Alpha is discarded.
func Preprocess(img image.Image, opts PreprocessOptions) (*Tensor, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	size := opts.Size
	resized := imaging.Resize(img, size, size, imaging.Linear)

	plane := size * size
	out := make([]float32, 3*plane)
	i := 0
	for y := range size {
		for x := range size {
			// imaging returns a non-premultiplied NRGBA
			off := resized.PixOffset(x, y)
			r := float32(resized.Pix[off]) / 255.0
			g := float32(resized.Pix[off+1]) / 255.0
			b := float32(resized.Pix[off+2]) / 255.0

			if opts.Layout == NCHW {
				out[i] = r
				out[plane+i] = g
				out[2*plane+i] = b
				i++
			} else {
				out[3*i] = r
				out[3*i+1] = g
				out[3*i+2] = b
				i++
			}
		}
	}
	return &Tensor{Data: out, Shape: opts.Shape()}, nil
}

func DecodeAndPreprocess(data []byte, opts PreprocessOptions) (*Tensor, error) {
	img, err := Decode(data, opts.MaxPixels)
	if err != nil {
		return nil, err
	}
	return Preprocess(img, opts)
}

// Softmax is numerically stable: the max logit is subtracted first.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxV := logits[0]
	for _, v := range logits[1:] {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxV))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}

// ProbabilityTolerance bounds how far the output sum may drift from 1.
const ProbabilityTolerance = 1e-3

// Probabilities checks that raw is a probability distribution, applying
// softmax first when the model emits logits.
func Probabilities(raw []float32, softmax bool) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty model output", ErrInference)
	}
	for i, v := range raw {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite output at index %d", ErrInference, i)
		}
	}
	probs := raw
	if softmax {
		probs = Softmax(raw)
	}
	var sum float64
	for i, p := range probs {
		if p < 0 {
			return nil, fmt.Errorf("%w: negative probability %v at index %d", ErrInference, p, i)
		}
		sum += float64(p)
	}
	if math.Abs(sum-1) > ProbabilityTolerance {
		return nil, fmt.Errorf("%w: output sums to %.4f, not a probability distribution (enable softmax for logit models)", ErrInference, sum)
	}
	return probs, nil
}
