// Package docid implements PathCodec (spec.md §3, §4.1): the bidirectional,
// deterministic map between vault paths and database document IDs, with an
// optional keyed-hash obfuscation mode. Pure functions only — PathCodec never
// suspends (spec.md §5).
package docid

import (
	"crypto/hmac"
	"encoding/hex"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Namespace prefixes, per spec.md §3 "Document ID".
const (
	HiddenPrefix = "i:" // hidden/configuration files
	ChunkPrefix  = "h:" // content-addressed leaves
	transparent  = "f:" // obfuscated-mode meta IDs
	internalRune = '_'  // reserved design/internal IDs begin with "_"
)

// Codec implements the path <-> document ID mapping described in spec.md §4.1.
// The zero value is a valid transparent-mode codec (ID = UTF-8 path verbatim).
type Codec struct {
	obfuscate  bool
	passphrase []byte
	foldCase   bool
}

// New constructs a Codec. When obfuscate is true, passphrase must be
// non-empty — encode() then returns "f:<hex>" using a keyed hash over the
// NFC-normalized (optionally case-folded) path instead of the path itself.
func New(obfuscate bool, passphrase string, foldCase bool) *Codec {
	return &Codec{
		obfuscate:  obfuscate,
		passphrase: []byte(passphrase),
		foldCase:   foldCase,
	}
}

// Encode returns the deterministic document ID for path. An optional prefix
// is concatenated after obfuscation (or after the verbatim path in
// transparent mode), used to place hidden files in the "i:" namespace while
// sharing the obfuscation keyspace (spec.md §4.1).
func (c *Codec) Encode(path string, prefix string) string {
	if !c.obfuscate {
		return prefix + path
	}

	normalized := norm.NFC.String(path)
	if c.foldCase {
		normalized = strings.ToLower(normalized)
	}

	return prefix + transparent + hex.EncodeToString(keyedHash(c.passphrase, []byte(normalized)))
}

// keyedHash computes a deterministic keyed hash of data using key, so that
// any two devices sharing the same passphrase derive the same obfuscated ID
// for the same path (spec.md §4.1 "Deterministic across devices sharing the
// passphrase"). BLAKE2b-256 in keyed mode stands in for the codec's own
// hash/PBKDF2 algorithm, which spec.md §1 states is capability-surface-only.
func keyedHash(key, data []byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		// blake2b.New256 only errors when the key exceeds 64 bytes; our
		// passphrases are user-supplied strings well under that bound in
		// practice, but fall back to HMAC over unkeyed BLAKE2b-256 to stay pure.
		mac := hmac.New(func() hash.Hash { return mustHash() }, key)
		mac.Write(data)

		return mac.Sum(nil)
	}

	h.Write(data)

	return h.Sum(nil)
}

// hashFunc and mustHash back the HMAC fallback above for passphrases longer
// than BLAKE2b's native key limit.
type hashFunc = interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
	Reset()
	Size() int
	BlockSize() int
}

func mustHash() hashFunc {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("vaultsync: blake2b.New256(nil) must not fail")
	}

	return h
}

// Decode returns the vault path for id. If metaPath is non-empty (the
// MetaEntry carries its own path field), it is returned verbatim — decode is
// a no-op in that case (spec.md I2). Otherwise known prefixes ("f:", "i:")
// are stripped and the remainder returned; unknown prefixes are returned
// verbatim, since PathCodec must never fail on unrecognized input.
func Decode(id string, metaPath string) string {
	if metaPath != "" {
		return metaPath
	}

	switch {
	case strings.HasPrefix(id, HiddenPrefix):
		return strings.TrimPrefix(id, HiddenPrefix)
	case strings.HasPrefix(id, transparent):
		return strings.TrimPrefix(id, transparent)
	default:
		return id
	}
}

// IsChunkID reports whether id names a content-addressed leaf.
func IsChunkID(id string) bool { return strings.HasPrefix(id, ChunkPrefix) }

// IsHiddenID reports whether id names a hidden/configuration document.
func IsHiddenID(id string) bool { return strings.HasPrefix(id, HiddenPrefix) }

// IsReservedID reports whether id is a reserved design/internal document,
// which begin with "_" per spec.md §3 (e.g. CouchDB system docs, design docs).
func IsReservedID(id string) bool { return len(id) > 0 && rune(id[0]) == internalRune }
