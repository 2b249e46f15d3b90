// Package fingerprint derives stable cache keys from request content and the
// processing options that change the recognized output.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"

	mgerrors "github.com/pario-ai/mathgate/pkg/errors"
)

// Size is the fingerprint width in bytes.
const Size = sha256.Size

// keyVersion is mixed into every key so a change in key material invalidates old entries.
const keyVersion = "mathgate/fp/v1"

// DefaultFormat is used when Options.Format is empty.
const DefaultFormat = "latex"

// Fingerprint identifies a cached result.
type Fingerprint [Size]byte

// Options are the processing options that affect the cached payload.
type Options struct {
	Format    string            `json:"format,omitempty" yaml:"format"`
	Grayscale bool              `json:"grayscale,omitempty" yaml:"grayscale"`
	Deskew    bool              `json:"deskew,omitempty" yaml:"deskew"`
	Denoise   bool              `json:"denoise,omitempty" yaml:"denoise"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra"`
}

// NormalizedFormat returns the canonical output format name.
func (o Options) NormalizedFormat() string {
	f := strings.ToLower(strings.TrimSpace(o.Format))
	if f == "" {
		return DefaultFormat
	}
	return f
}

// Generate hashes content and opts into a Fingerprint.
// Fields are length-prefixed so no two (content, options) pairs share key material.
func Generate(content []byte, opts Options) Fingerprint {
	h := sha256.New()
	writeField(h, []byte(keyVersion))
	writeField(h, content)
	writeOptions(h, opts)

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Scope is the hex digest of the canonical options alone. Results with
// different scopes are never interchangeable, whatever their content.
func (o Options) Scope() string {
	h := sha256.New()
	writeField(h, []byte(keyVersion+"/scope"))
	writeOptions(h, o)
	return hex.EncodeToString(h.Sum(nil))
}

func writeOptions(h hash.Hash, opts Options) {
	writeOption(h, "format", opts.NormalizedFormat())
	writeOption(h, "grayscale", strconv.FormatBool(opts.Grayscale))
	writeOption(h, "deskew", strconv.FormatBool(opts.Deskew))
	writeOption(h, "denoise", strconv.FormatBool(opts.Denoise))

	keys := make([]string, 0, len(opts.Extra))
	for k := range opts.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeOption(h, "x."+k, opts.Extra[k])
	}
}

func writeOption(h hash.Hash, name, value string) {
	writeField(h, []byte(name+"="+value))
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

// String returns the lowercase hex form.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Parse decodes the hex form produced by String.
func Parse(s string) (Fingerprint, error) {
	var fp Fingerprint
	s = strings.TrimSpace(s)
	if len(s) != hex.EncodedLen(Size) {
		return fp, mgerrors.InvalidFingerprint("parse fingerprint",
			"expected "+strconv.Itoa(hex.EncodedLen(Size))+" hex characters, got "+strconv.Itoa(len(s)))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fp, mgerrors.InvalidFingerprint("parse fingerprint", err.Error())
	}
	copy(fp[:], b)
	return fp, nil
}

// Shard maps f onto one of n buckets. n must be a power of two.
func (f Fingerprint) Shard(n int) int {
	return int(binary.BigEndian.Uint32(f[:4])) & (n - 1)
}

// MarshalText encodes f as hex so JSON and YAML carry the String form.
func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText decodes the hex form.
func (f *Fingerprint) UnmarshalText(b []byte) error {
	fp, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = fp
	return nil
}
