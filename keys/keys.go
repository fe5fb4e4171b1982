// Package keys derives stable cache keys from source URLs and variants.
//
// A key is the entry's path relative to the disk cache root:
//
//	<namespace>/<sha256 hex><ext>
//
// for example "thumbnails/3fa1...e0.webp". The hash covers the normalized
// URL, the variant namespace and the output extension, so changing any of
// them yields a different key.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/richardartoul/imgcache/variant"
)

// ErrInvalidURL is returned for URLs that cannot identify an image.
var ErrInvalidURL = errors.New("invalid image url")

// Codec maps (url, variant) pairs to cache keys using a variant policy to
// pick the output extension.
type Codec struct {
	policy variant.Policy
}

// New creates a Codec for the given policy.
func New(policy variant.Policy) *Codec {
	return &Codec{policy: policy}
}

// KeyFor returns the cache key for rawURL rendered as v.
func (c *Codec) KeyFor(rawURL string, v variant.Variant) (string, error) {
	if !v.Valid() {
		return "", fmt.Errorf("unknown variant %d", int(v))
	}
	normalized, err := Normalize(rawURL)
	if err != nil {
		return "", err
	}
	ns := v.Namespace()
	ext := c.policy.FormatFor(v).Ext()

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(ns))
	h.Write([]byte{0})
	h.Write([]byte(ext))
	return ns + "/" + hex.EncodeToString(h.Sum(nil)) + ext, nil
}

// Namespace returns the namespace component of key.
func Namespace(key string) (string, bool) {
	ns, file, ok := strings.Cut(key, "/")
	if !ok || ns == "" || file == "" || strings.Contains(file, "/") {
		return "", false
	}
	return ns, true
}

// Valid reports whether key has the shape produced by KeyFor: a known
// namespace and a single path element without traversal.
func Valid(key string) bool {
	ns, ok := Namespace(key)
	if !ok {
		return false
	}
	if _, ok := variant.FromNamespace(ns); !ok {
		return false
	}
	file := key[len(ns)+1:]
	return file != "." && file != ".." && !strings.ContainsAny(file, `\`+"\x00") && !strings.HasPrefix(file, ".")
}

// Normalize canonicalizes an image URL: surrounding whitespace is trimmed,
// scheme and host are lowercased, default ports and fragments are dropped.
func Normalize(rawURL string) (string, error) {
	s := strings.TrimSpace(rawURL)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("%w: missing scheme in %q", ErrInvalidURL, s)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "file" {
		if u.Path == "" {
			return "", fmt.Errorf("%w: missing path in %q", ErrInvalidURL, s)
		}
	} else if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, s)
	}

	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
