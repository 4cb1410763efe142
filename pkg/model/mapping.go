package model

import (
	"fmt"
	"strings"
)

// Mapping is one contiguous virtual-memory region of the debugged process
// backed by a file. Path is the device-local path and means nothing on the
// host filesystem.
type Mapping struct {
	Start  uint64
	End    uint64
	Size   uint64
	Offset uint64
	Path   string
}

func (m Mapping) Contains(addr uint64) bool {
	return m.Start <= addr && addr < m.End
}

func (m Mapping) String() string {
	return fmt.Sprintf("[%#x-%#x) off=%#x %s", m.Start, m.End, m.Offset, m.Path)
}

// MappedFile groups the mappings of a single backing file within one mapping
// snapshot. It always holds at least one mapping.
type MappedFile struct {
	Path     string
	Mappings []Mapping
}

// Base is the start address of the first mapping of the file, which is where
// its code section offsets are relative to.
func (f MappedFile) Base() uint64 {
	return f.Mappings[0].Start
}

func (f MappedFile) Contains(addr uint64) bool {
	for _, m := range f.Mappings {
		if m.Contains(addr) {
			return true
		}
	}
	return false
}

// HasSuffix reports whether the backing path ends with any of suffixes.
func (f MappedFile) HasSuffix(suffixes ...string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(f.Path, s) {
			return true
		}
	}
	return false
}

// GroupMappings groups file-backed mappings by their backing path. Groups are
// returned in the order their first mapping appears and keep the order of
// their mappings. Anonymous mappings and pseudo files such as [stack] are
// dropped.
func GroupMappings(mappings []Mapping) []MappedFile {
	idx := make(map[string]int)
	var files []MappedFile
	for _, m := range mappings {
		if !strings.HasPrefix(m.Path, "/") {
			continue
		}
		i, ok := idx[m.Path]
		if !ok {
			i = len(files)
			idx[m.Path] = i
			files = append(files, MappedFile{Path: m.Path})
		}
		files[i].Mappings = append(files[i].Mappings, m)
	}
	return files
}

// FindMappedFile returns the file owning addr.
func FindMappedFile(files []MappedFile, addr uint64) (MappedFile, bool) {
	for _, f := range files {
		if f.Contains(addr) {
			return f, true
		}
	}
	return MappedFile{}, false
}
