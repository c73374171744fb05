package procfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
)

func parseHexSymb(symb byte) (uint64, bool) {
	if '0' <= symb && symb <= '9' {
		return uint64(symb - '0'), true
	}
	if 'a' <= symb && symb <= 'f' {
		return uint64(symb-'a') + 10, true
	}
	return 0, false
}

func parseDecSymb(symb byte) (uint64, bool) {
	if '0' <= symb && symb <= '9' {
		return uint64(symb - '0'), true
	}
	return 0, false
}

func trimLeftSpaces(line []byte, begin int) []byte {
	i := begin
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return line[i:]
}

func parseMappingPermissions(perms []byte) MappingPermissions {
	flags := MappingPermissionNone
	if perms[0] == 'r' {
		flags |= MappingPermissionReadable
	}
	if perms[1] == 'w' {
		flags |= MappingPermissionWriteable
	}
	if perms[2] == 'x' {
		flags |= MappingPermissionExecutable
	}
	if perms[3] == 'p' {
		flags |= MappingPermissionPrivate
	} else {
		flags |= MappingPermissionShared
	}
	return flags
}

// Scans and converts in one pass without allocating strings.
// Returns the rest of the line after the number; empty rest means end of line.
func scanInt(line []byte, begin int, base uint64) (uint64, []byte, bool) {
	var res uint64
	parsed := false
	for i := begin; i < len(line); i++ {
		var value uint64
		var ok bool
		if base == 16 {
			value, ok = parseHexSymb(line[i])
		} else {
			value, ok = parseDecSymb(line[i])
		}
		if !ok {
			return res, line[i:], parsed
		}
		parsed = true
		res = res*base + value
	}
	return res, nil, parsed
}

func expect(rest []byte, symb byte) bool {
	return len(rest) > 0 && rest[0] == symb
}

// ParseProcessMapping parses one line of /proc/<pid>/maps.
// The source is only used in error messages.
func ParseProcessMapping(mapping *Mapping, line []byte, source string) error {
	sourceLine := line
	var ok bool

	mapping.Begin, line, ok = scanInt(line, 0, 16)
	if !ok || !expect(line, '-') {
		return fmt.Errorf("failed to parse mapping begin in %s line %q", source, string(sourceLine))
	}

	mapping.End, line, ok = scanInt(line, 1, 16)
	if !ok || !expect(line, ' ') {
		return fmt.Errorf("failed to parse mapping end in %s line %q", source, string(sourceLine))
	}

	if len(line) < 6 || line[5] != ' ' {
		return fmt.Errorf("malformed permissions in %s line %q", source, string(sourceLine))
	}
	mapping.Permissions = parseMappingPermissions(line[1:5])
	line = line[5:]

	offset, line, ok := scanInt(line, 1, 16)
	if !ok || !expect(line, ' ') {
		return fmt.Errorf("failed to parse mapping offset in %s line %q", source, string(sourceLine))
	}
	mapping.Offset = int64(offset)

	deviceMaj, line, ok := scanInt(line, 1, 16)
	if !ok || !expect(line, ':') {
		return fmt.Errorf("failed to parse device maj in %s line %q", source, string(sourceLine))
	}
	mapping.Device.Maj = uint32(deviceMaj)

	deviceMin, line, ok := scanInt(line, 1, 16)
	if !ok || !expect(line, ' ') {
		return fmt.Errorf("failed to parse device min in %s line %q", source, string(sourceLine))
	}
	mapping.Device.Min = uint32(deviceMin)

	mapping.Inode.ID, line, ok = scanInt(line, 1, 10)
	if !ok || (len(line) > 0 && line[0] != ' ') {
		return fmt.Errorf("failed to parse inode id in %s line %q", source, string(sourceLine))
	}

	mapping.Path = ""
	if len(line) > 1 {
		mapping.Path = string(bytes.TrimRight(trimLeftSpaces(line, 1), " \n"))
	}
	return nil
}

// ParseMaps reads a whole maps file and returns its mappings sorted by address.
func ParseMaps(r io.Reader, source string) (*Maps, error) {
	var mappings []Mapping

	s := bufio.NewScanner(r)
	for s.Scan() {
		line := s.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var mapping Mapping
		if err := ParseProcessMapping(&mapping, line, source); err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}

	return NewMaps(mappings), nil
}

////////////////////////////////////////////////////////////////////////////////

// Maps is an immutable, address-sorted snapshot of process mappings.
type Maps struct {
	mappings []Mapping
}

func NewMaps(mappings []Mapping) *Maps {
	sorted := make([]Mapping, len(mappings))
	copy(sorted, mappings)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Begin < sorted[j].Begin
	})
	return &Maps{mappings: sorted}
}

func (m *Maps) Len() int {
	return len(m.mappings)
}

// Find returns the mapping containing the address.
func (m *Maps) Find(address Address) (*Mapping, bool) {
	i := sort.Search(len(m.mappings), func(i int) bool {
		return m.mappings[i].End > address
	})
	if i == len(m.mappings) || !m.mappings[i].Contains(address) {
		return nil, false
	}
	return &m.mappings[i], true
}

// MappingName implements the memory map lookup used by the return address corrector.
func (m *Maps) MappingName(address Address) (string, bool) {
	mapping, ok := m.Find(address)
	if !ok {
		return "", false
	}
	return mapping.Path, true
}
