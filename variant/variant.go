// Package variant defines the closed set of image variants the cache
// produces and the policy that maps each one to target bounds and an
// output format.
package variant

import (
	"fmt"
	"strings"
)

// Variant is a named target image profile.
type Variant int

const (
	Thumbnail Variant = iota
	Medium
	Full
)

// All lists every variant in ascending size order.
var All = []Variant{Thumbnail, Medium, Full}

// String returns the lowercase variant name.
func (v Variant) String() string {
	switch v {
	case Thumbnail:
		return "thumbnail"
	case Medium:
		return "medium"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Namespace returns the directory name used for entries of this variant.
func (v Variant) Namespace() string {
	switch v {
	case Thumbnail:
		return "thumbnails"
	case Medium:
		return "medium"
	case Full:
		return "full"
	default:
		return ""
	}
}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	return v >= Thumbnail && v <= Full
}

// Parse converts a variant name or namespace into a Variant.
func Parse(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "thumbnail", "thumbnails", "thumb":
		return Thumbnail, nil
	case "medium":
		return Medium, nil
	case "full":
		return Full, nil
	default:
		return 0, fmt.Errorf("unknown variant: %q (supported: thumbnail, medium, full)", s)
	}
}

// FromNamespace returns the variant owning the given namespace directory.
func FromNamespace(ns string) (Variant, bool) {
	for _, v := range All {
		if v.Namespace() == ns {
			return v, true
		}
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid variant %d", int(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Bounds is the maximum width and height of a variant.
type Bounds struct {
	Width  int
	Height int
}

// Fits reports whether a w×h image already fits inside b.
func (b Bounds) Fits(w, h int) bool {
	return w <= b.Width && h <= b.Height
}
