package signature

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

// TextSectionName is the section whose file offset anchors the load address
// of a shared library and whose bytes identify it.
const TextSectionName = ".text"

var ErrSectionNotFound = errors.New("section not found")

// errTruncated marks a reader of known size that ends before the ELF
// structures it describes.
var errTruncated = errors.New("truncated binary")

// Image is a read-only view of the ELF headers of a binary reachable through
// an io.ReaderAt. Only headers are decoded eagerly; section contents are read
// on demand so a remote reader is never asked for more than it has to.
type Image struct {
	elf.FileHeader
	Sections []elf.SectionHeader

	reader io.ReaderAt
}

// OpenImage decodes the ELF headers available through r. Errors caused by r
// not being an ELF file are recognised by IsNotBinary.
//
// A short read only means the file is too short when r knows its size, that
// is it has a Size or a Stat method. Otherwise an end of stream is reported
// as is: it may come from a transport that went away mid-read.
func OpenImage(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		if hasSize(r) && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
			return nil, fmt.Errorf("%w: %v", errTruncated, err)
		}
		return nil, err
	}
	sections := make([]elf.SectionHeader, 0, len(f.Sections))
	for i := range f.Sections {
		sections = append(sections, f.Sections[i].SectionHeader)
	}
	return &Image{
		FileHeader: f.FileHeader,
		Sections:   sections,
		reader:     r,
	}, nil
}

// Section returns the header of the first section named name, or nil.
func (img *Image) Section(name string) *elf.SectionHeader {
	for i := range img.Sections {
		s := &img.Sections[i]
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionData reads the full contents of s.
func (img *Image) SectionData(s *elf.SectionHeader) ([]byte, error) {
	res := make([]byte, s.Size)
	if _, err := img.reader.ReadAt(res, int64(s.Offset)); err != nil {
		return nil, err
	}
	return res, nil
}

// SectionReader returns a streaming reader over the contents of s.
func (img *Image) SectionReader(s *elf.SectionHeader) *io.SectionReader {
	return io.NewSectionReader(img.reader, int64(s.Offset), int64(s.Size))
}

// Section describes where a named section lives in the file.
type Section struct {
	Name   string
	Offset uint64
	Size   uint64
	Addr   uint64
}

// FindSection locates the section called name in the binary behind r and
// returns its file offset.
func FindSection(r io.ReaderAt, name string) (Section, error) {
	img, err := OpenImage(r)
	if err != nil {
		return Section{}, fmt.Errorf("open image: %w", err)
	}
	s := img.Section(name)
	if s == nil || s.Type == elf.SHT_NOBITS {
		return Section{}, fmt.Errorf("%s: %w", name, ErrSectionNotFound)
	}
	return Section{Name: s.Name, Offset: s.Offset, Size: s.Size, Addr: s.Addr}, nil
}

// TextSection is FindSection for the code section.
func TextSection(r io.ReaderAt) (Section, error) {
	return FindSection(r, TextSectionName)
}

// IsNotBinary reports whether err means the stream is not a recognised
// binary, as opposed to an I/O failure of the underlying reader.
func IsNotBinary(err error) bool {
	var fe *elf.FormatError
	return errors.As(err, &fe) || errors.Is(err, errTruncated)
}

func hasSize(r io.ReaderAt) bool {
	switch s := r.(type) {
	case interface{ Size() int64 }:
		return true
	case interface{ Stat() (os.FileInfo, error) }:
		_, err := s.Stat()
		return err == nil
	}
	return false
}
