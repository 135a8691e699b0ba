package engine

import (
	"math/rand/v2"
	"path"
	"strings"
)

const (
	identAlphabet    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	identLength      = 6
	identMaxAttempts = 8
)

// additiveExtensions are extensions that usually follow another one, like
// the "gz" in "tar.gz". When we see one of these we try to keep the
// extension in front of it too.
var additiveExtensions = map[string]bool{
	"gz":  true,
	"xz":  true,
	"bz2": true,
	"lz4": true,
	"zst": true,
}

// NameGenerator produces short, collision-checked upload names. A name is
// a fixed-length random identifier plus the extension carried over from
// the original filename.
type NameGenerator struct {
	exists func(name string) bool
}

// NewNameGenerator returns a generator that consults exists to detect
// collisions with live uploads.
func NewNameGenerator(exists func(name string) bool) *NameGenerator {
	return &NameGenerator{exists: exists}
}

// Generate draws random identifiers until one is free, retrying a bounded
// number of times before giving up with ErrNameExhausted.
func (g *NameGenerator) Generate(originalName string) (string, error) {
	ext := extensionOf(originalName)

	for range identMaxAttempts {
		b := make([]byte, identLength)
		for i := range b {
			b[i] = identAlphabet[rand.IntN(len(identAlphabet))]
		}

		name := string(b)
		if ext != "" {
			name += "." + ext
		}

		if !g.exists(name) {
			return name, nil
		}
	}

	return "", ErrNameExhausted
}

// extensionOf extracts the extension from an original filename, without
// the leading dot. Compound extensions like "tar.gz" are preserved when
// the outer extension is a bare compression suffix and the inner one is
// short enough to plausibly be a real extension.
func extensionOf(originalName string) string {
	ext := strings.TrimPrefix(path.Ext(originalName), ".")
	if ext == "" {
		return ""
	}

	if additiveExtensions[ext] {
		stem := strings.TrimSuffix(originalName, "."+ext)
		if inner := strings.TrimPrefix(path.Ext(stem), "."); inner != "" && len(inner) <= 4 {
			return inner + "." + ext
		}
	}

	return ext
}
