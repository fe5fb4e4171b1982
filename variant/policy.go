package variant

// Codec identifies an output encoding.
type Codec int

const (
	// CodecEfficient is the modern codec (WebP), used only when the host
	// has an encoder for it.
	CodecEfficient Codec = iota
	// CodecUniversal is the fallback every host can encode (JPEG).
	CodecUniversal
	// CodecOriginal keeps the source encoding.
	CodecOriginal
)

func (c Codec) String() string {
	switch c {
	case CodecEfficient:
		return "webp"
	case CodecUniversal:
		return "jpeg"
	case CodecOriginal:
		return "original"
	default:
		return "unknown"
	}
}

// Ext returns the file extension, including the dot.
func (c Codec) Ext() string {
	switch c {
	case CodecEfficient:
		return ".webp"
	case CodecUniversal:
		return ".jpg"
	default:
		return ".img"
	}
}

// Format is a codec plus a quality in [0,1].
type Format struct {
	Codec   Codec
	Quality float64
}

// Ext returns the file extension of the format's codec.
func (f Format) Ext() string {
	return f.Codec.Ext()
}

type profile struct {
	bounds  Bounds
	quality float64
}

// Quality is tuned per purpose: thumbnails favour size, full favours fidelity.
var profiles = map[Variant]profile{
	Thumbnail: {bounds: Bounds{Width: 120, Height: 120}, quality: 0.6},
	Medium:    {bounds: Bounds{Width: 600, Height: 600}, quality: 0.75},
	Full:      {bounds: Bounds{Width: 2048, Height: 2048}, quality: 0.9},
}

// Policy maps variants to bounds and output formats. The zero value uses
// the universal codec for every variant.
type Policy struct {
	efficient bool
	original  map[Variant]bool
}

// PolicyOption customizes a Policy.
type PolicyOption func(*Policy)

// PreserveOriginal makes the given variants keep the source encoding.
func PreserveOriginal(vs ...Variant) PolicyOption {
	return func(p *Policy) {
		if p.original == nil {
			p.original = make(map[Variant]bool)
		}
		for _, v := range vs {
			p.original[v] = true
		}
	}
}

// NewPolicy builds a policy. efficient reports whether the host can encode
// the efficient codec.
func NewPolicy(efficient bool, opts ...PolicyOption) Policy {
	p := Policy{efficient: efficient}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// EfficientSupported reports the capability flag the policy was built with.
func (p Policy) EfficientSupported() bool {
	return p.efficient
}

// BoundsFor returns the maximum dimensions of v. Unknown variants get the
// Full bounds.
func (p Policy) BoundsFor(v Variant) Bounds {
	if prof, ok := profiles[v]; ok {
		return prof.bounds
	}
	return profiles[Full].bounds
}

// FormatFor returns the output format of v.
func (p Policy) FormatFor(v Variant) Format {
	prof, ok := profiles[v]
	if !ok {
		prof = profiles[Full]
	}
	switch {
	case p.original[v]:
		return Format{Codec: CodecOriginal, Quality: 1}
	case p.efficient:
		return Format{Codec: CodecEfficient, Quality: prof.quality}
	default:
		return Format{Codec: CodecUniversal, Quality: prof.quality}
	}
}
