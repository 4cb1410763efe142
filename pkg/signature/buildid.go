package signature

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// BuildID is the linker-assigned identifier of a binary. It is reported next
// to the Signature for diagnostics; lookups are always keyed by Signature.
type BuildID struct {
	ID  string
	Typ string
}

func GNUBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "gnu"}
}

func GoBuildID(s string) BuildID {
	return BuildID{ID: s, Typ: "go"}
}

func (b *BuildID) Empty() bool {
	return b.ID == "" || b.Typ == ""
}

func (b BuildID) String() string {
	if b.Empty() {
		return "-"
	}
	return b.Typ + ":" + b.ID
}

var ErrNoBuildIDSection = fmt.Errorf("build ID section not found")

// ReadBuildID returns the GNU build ID of the binary behind r, falling back
// to the Go build ID.
func ReadBuildID(r io.ReaderAt) (BuildID, error) {
	img, err := OpenImage(r)
	if err != nil {
		return BuildID{}, err
	}
	return img.BuildID()
}

func (img *Image) BuildID() (BuildID, error) {
	id, err := img.GNUBuildID()
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}
	id, err = img.GoBuildID()
	if err != nil && !errors.Is(err, ErrNoBuildIDSection) {
		return BuildID{}, err
	}
	if !id.Empty() {
		return id, nil
	}

	return BuildID{}, ErrNoBuildIDSection
}

var goBuildIDSep = []byte("/")

func (img *Image) GoBuildID() (BuildID, error) {
	buildIDSection := img.Section(".note.go.buildid")
	if buildIDSection == nil {
		return BuildID{}, ErrNoBuildIDSection
	}
	data, err := img.SectionData(buildIDSection)
	if err != nil {
		return BuildID{}, fmt.Errorf("reading .note.go.buildid %w", err)
	}
	if len(data) < 17 {
		return BuildID{}, fmt.Errorf(".note.go.buildid is too small")
	}

	data = data[16 : len(data)-1]
	if len(data) < 40 || bytes.Count(data, goBuildIDSep) < 2 {
		return BuildID{}, fmt.Errorf("wrong .note.go.buildid")
	}
	id := string(data)
	if id == "redacted" {
		return BuildID{}, fmt.Errorf("blacklisted .note.go.buildid")
	}
	return GoBuildID(id), nil
}

func (img *Image) GNUBuildID() (BuildID, error) {
	buildIDSection := img.Section(".note.gnu.build-id")
	if buildIDSection == nil {
		return BuildID{}, ErrNoBuildIDSection
	}

	data, err := img.SectionData(buildIDSection)
	if err != nil {
		return BuildID{}, fmt.Errorf("reading .note.gnu.build-id %w", err)
	}
	if len(data) < 16 {
		return BuildID{}, fmt.Errorf(".note.gnu.build-id is too small")
	}
	if !bytes.Equal([]byte("GNU"), data[12:15]) {
		return BuildID{}, fmt.Errorf(".note.gnu.build-id is not a GNU build-id")
	}
	rawBuildID := data[16:]
	if len(rawBuildID) != 20 && len(rawBuildID) != 8 { // 8 is xxhash, for example in Container-Optimized OS
		return BuildID{}, fmt.Errorf(".note.gnu.build-id has wrong size %d", len(rawBuildID))
	}
	return GNUBuildID(hex.EncodeToString(rawBuildID)), nil
}
