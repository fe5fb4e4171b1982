// Package optimize decodes source images, resizes them to a variant's
// bounds and re-encodes them in the variant's output format.
package optimize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/png"
	"math"
	"runtime"

	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"github.com/richardartoul/imgcache/variant"
)

var (
	// ErrDecode is returned when the source bytes are not a supported image.
	ErrDecode = errors.New("decode failure")
	// ErrEncode is returned when the output could not be encoded.
	ErrEncode = errors.New("encode failure")
)

// DefaultMaxPixels rejects sources larger than 64 megapixels before they
// are decoded.
const DefaultMaxPixels = 64 << 20

// Result is the outcome of one optimization pass.
type Result struct {
	Data []byte
	// Codec is the codec Data is encoded with.
	Codec variant.Codec
	// Source is the decoded source format name ("jpeg", "png", ...).
	Source        string
	Width, Height int
	Resized       bool
	// Degraded is set when encoding failed and Data holds the raw input.
	Degraded bool
}

// Pipeline runs decode, resize and encode with bounded CPU concurrency.
type Pipeline struct {
	policy    variant.Policy
	encoders  *Encoders
	sem       *semaphore.Weighted
	maxPixels int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEncoders sets the encoder registry.
func WithEncoders(e *Encoders) Option {
	return func(p *Pipeline) { p.encoders = e }
}

// WithMaxConcurrent bounds the number of images processed at once.
func WithMaxConcurrent(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxPixels sets the largest accepted source, in pixels.
func WithMaxPixels(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New creates a Pipeline for policy.
func New(policy variant.Policy, opts ...Option) *Pipeline {
	p := &Pipeline{
		policy:    policy,
		encoders:  DefaultEncoders,
		sem:       semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the variant policy the pipeline encodes for.
func (p *Pipeline) Policy() variant.Policy {
	return p.policy
}

// Optimize transcodes raw for v. A decode failure returns an error wrapping
// ErrDecode and no data. An encode failure returns a degraded Result
// carrying raw together with an error wrapping ErrEncode; callers may use
// the degraded result.
func (p *Pipeline) Optimize(ctx context.Context, raw []byte, v variant.Variant) (Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer p.sem.Release(1)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > p.maxPixels {
		return Result{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, p.maxPixels)
	}

	img, source, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	srcBounds := img.Bounds()
	bounds := p.policy.BoundsFor(v)
	w, h, resize := Fit(srcBounds.Dx(), srcBounds.Dy(), bounds.Width, bounds.Height)

	out := img
	if resize {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, srcBounds, draw.Over, nil)
		out = dst
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	format := p.policy.FormatFor(v)
	data, err := p.encode(out, raw, source, format, resize)
	if err != nil {
		return Result{
			Data:     raw,
			Codec:    variant.CodecOriginal,
			Source:   source,
			Width:    srcBounds.Dx(),
			Height:   srcBounds.Dy(),
			Degraded: true,
		}, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	return Result{
		Data:    data,
		Codec:   format.Codec,
		Source:  source,
		Width:   w,
		Height:  h,
		Resized: resize,
	}, nil
}

func (p *Pipeline) encode(img image.Image, raw []byte, source string, format variant.Format, resized bool) ([]byte, error) {
	var buf bytes.Buffer
	if format.Codec == variant.CodecOriginal {
		if !resized {
			return raw, nil
		}
		// Re-encode in the source format. Formats without a standard
		// library encoder fall back to PNG, which is lossless.
		var err error
		switch source {
		case "jpeg":
			err = encodeJPEG(&buf, img, format.Quality)
		case "gif":
			err = gif.Encode(&buf, img, nil)
		default:
			err = png.Encode(&buf, img)
		}
		if err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	enc, ok := p.encoders.Lookup(format.Codec)
	if !ok {
		return nil, fmt.Errorf("no encoder registered for %s", format.Codec)
	}
	if err := enc.Encode(&buf, img, clampQuality(format.Quality)); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%s encoder produced no output", format.Codec)
	}
	return buf.Bytes(), nil
}

// Fit scales (w, h) down uniformly so it fits within (maxW, maxH). It never
// upscales and never returns a dimension below 1. resized reports whether
// scaling was needed.
func Fit(w, h, maxW, maxH int) (fw, fh int, resized bool) {
	if w <= 0 || h <= 0 || maxW <= 0 || maxH <= 0 {
		return w, h, false
	}
	if w <= maxW && h <= maxH {
		return w, h, false
	}
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	fw = min(max(1, int(math.Round(float64(w)*scale))), maxW)
	fh = min(max(1, int(math.Round(float64(h)*scale))), maxH)
	return fw, fh, true
}

func clampQuality(q float64) float64 {
	return math.Max(0, math.Min(1, q))
}
