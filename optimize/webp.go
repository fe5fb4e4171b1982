package optimize

import (
	"image"
	"io"

	"github.com/gen2brain/webp"
)

// WebPEncoder encodes lossy WebP. It needs no cgo: libwebp is loaded
// dynamically when present and otherwise runs as WASM.
func WebPEncoder() Encoder {
	return EncoderFunc(encodeWebP)
}

func encodeWebP(w io.Writer, img image.Image, quality float64) error {
	return webp.Encode(w, img, webp.Options{
		Quality: jpegQuality(quality),
		Method:  4,
	})
}
