// Package elftest builds minimal ELF64 images in memory so tests can exercise
// code that reads real section headers without shipping binary fixtures.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Section is an extra section appended after .text.
type Section struct {
	Name string
	Type elf.SectionType
	Data []byte
}

// Image describes the ELF file to build. Text is placed right after the ELF
// header, so its file offset is always 0x40.
type Image struct {
	Machine elf.Machine
	Text    []byte
	// BuildID, when set, is written as a .note.gnu.build-id section.
	BuildID []byte
	Extra   []Section
}

const (
	ehdrSize = 64
	shdrSize = 64

	// TextOffset is the file offset of .text in every built image.
	TextOffset = ehdrSize
)

// Bytes returns the encoded ELF image.
func (img Image) Bytes() []byte {
	machine := img.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_AARCH64
	}

	sections := []Section{{Name: ".text", Type: elf.SHT_PROGBITS, Data: img.Text}}
	if len(img.BuildID) > 0 {
		sections = append(sections, Section{Name: ".note.gnu.build-id", Type: elf.SHT_NOTE, Data: gnuNote(img.BuildID)})
	}
	sections = append(sections, img.Extra...)

	// Section name string table: "\0" followed by every name.
	shstrtab := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.Name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrtabName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	var body bytes.Buffer
	offsets := make([]uint64, len(sections))
	for i, s := range sections {
		offsets[i] = uint64(ehdrSize + body.Len())
		body.Write(s.Data)
	}
	shstrtabOff := uint64(ehdrSize + body.Len())
	body.Write(shstrtab)
	for body.Len()%8 != 0 {
		body.WriteByte(0)
	}
	shoff := uint64(ehdrSize + body.Len())

	shnum := uint16(len(sections) + 2)
	hdr := elf.Header64{
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Phentsize: 56,
		Shentsize: shdrSize,
		Shnum:     shnum,
		Shstrndx:  shnum - 1,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	_ = binary.Write(&out, binary.LittleEndian, &hdr)
	out.Write(body.Bytes())

	headers := []elf.Section64{{}}
	for i, s := range sections {
		sh := elf.Section64{
			Name:      nameOff[i],
			Type:      uint32(s.Type),
			Off:       offsets[i],
			Size:      uint64(len(s.Data)),
			Addralign: 1,
		}
		if s.Name == ".text" {
			sh.Flags = uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR)
			sh.Addr = offsets[i]
		}
		headers = append(headers, sh)
	}
	headers = append(headers, elf.Section64{
		Name:      shstrtabName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       shstrtabOff,
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	})
	for i := range headers {
		_ = binary.Write(&out, binary.LittleEndian, &headers[i])
	}
	return out.Bytes()
}

// WriteFile writes the image to dir/name and returns the full path.
func (img Image) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, img.Bytes(), 0o644))
	return p
}

func gnuNote(id []byte) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, uint32(4))       // namesz
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(id))) // descsz
	_ = binary.Write(&b, binary.LittleEndian, uint32(3))       // NT_GNU_BUILD_ID
	b.WriteString("GNU\x00")
	b.Write(id)
	return b.Bytes()
}
