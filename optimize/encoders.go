package optimize

import (
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"math"
	"sync"

	"github.com/richardartoul/imgcache/variant"
)

// Encoder writes img in a specific codec. quality is in [0,1].
type Encoder interface {
	Encode(w io.Writer, img image.Image, quality float64) error
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(w io.Writer, img image.Image, quality float64) error

// Encode calls f.
func (f EncoderFunc) Encode(w io.Writer, img image.Image, quality float64) error {
	return f(w, img, quality)
}

// Encoders is a registry of codec encoders. Whether a codec has an encoder
// is the runtime capability check that decides which format a variant
// policy selects.
type Encoders struct {
	mu sync.RWMutex
	m  map[variant.Codec]Encoder
}

// NewEncoders returns a registry holding the universal (JPEG) encoder.
func NewEncoders() *Encoders {
	e := &Encoders{m: make(map[variant.Codec]Encoder)}
	e.Register(variant.CodecUniversal, EncoderFunc(encodeJPEG))
	return e
}

// Register installs enc for codec, replacing any previous encoder.
func (e *Encoders) Register(codec variant.Codec, enc Encoder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[codec] = enc
}

// CanEncode reports whether an encoder is registered for codec.
func (e *Encoders) CanEncode(codec variant.Codec) bool {
	_, ok := e.Lookup(codec)
	return ok
}

// Lookup returns the encoder for codec.
func (e *Encoders) Lookup(codec variant.Codec) (Encoder, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	enc, ok := e.m[codec]
	return enc, ok
}

// DefaultEncoders is the process-wide registry used when a Pipeline is
// built without WithEncoders.
var DefaultEncoders = NewEncoders()

// RegisterEncoder installs enc in DefaultEncoders.
func RegisterEncoder(codec variant.Codec, enc Encoder) {
	DefaultEncoders.Register(codec, enc)
}

// CanEncode reports whether DefaultEncoders can encode codec.
func CanEncode(codec variant.Codec) bool {
	return DefaultEncoders.CanEncode(codec)
}

func encodeJPEG(w io.Writer, img image.Image, quality float64) error {
	return jpeg.Encode(w, flatten(img), &jpeg.Options{Quality: jpegQuality(quality)})
}

func jpegQuality(q float64) int {
	n := int(math.Round(q * 100))
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}

// flatten composites images with transparency onto white, since JPEG has
// no alpha channel.
func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}
