// Package signature derives content-based identifiers for binary images.
//
// A Signature is the universal key for a binary: the Local Library Index,
// the Symbol Store and the cloud symbol bucket are all keyed by it, which is
// what lets a library found on a device be matched with a build artifact on
// the host even though their paths have nothing in common.
package signature

import (
	"crypto/sha1"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/grafana/regexp"
)

// Signature identifies a binary by the contents of its code section. The zero
// value means the signature is absent.
type Signature string

// Empty reports whether no signature could be derived.
func (s Signature) Empty() bool { return s == "" }

func (s Signature) String() string { return string(s) }

var validSignature = regexp.MustCompile(`^[a-f0-9]{40}$`)

// Parse validates s as a signature. It rejects anything that could not have
// been produced by Of, which also keeps it safe for use as a file name and
// as a URL path segment.
func Parse(s string) (Signature, error) {
	if !validSignature.MatchString(s) {
		return "", fmt.Errorf("invalid signature: %q", s)
	}
	return Signature(s), nil
}

// Of computes the signature of the binary available through r.
//
// Only the code section is hashed, so a stripped copy and a copy carrying
// full debug information share a signature. When r is not a recognised
// binary the zero Signature is returned with a nil error; the caller treats
// that as unresolvable. Errors are only returned for failures of r itself.
func Of(r io.ReaderAt) (Signature, error) {
	img, err := OpenImage(r)
	if err != nil {
		if IsNotBinary(err) {
			return "", nil
		}
		return "", err
	}
	text := img.Section(TextSectionName)
	if text == nil || text.Type == elf.SHT_NOBITS {
		return "", nil
	}

	h := sha1.New()
	if _, err := io.Copy(h, img.SectionReader(text)); err != nil {
		return "", fmt.Errorf("hash %s: %w", TextSectionName, err)
	}
	return Signature(hex.EncodeToString(h.Sum(nil))), nil
}

// OfFile computes the signature of a local file.
func OfFile(path string) (Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Of(f)
}
