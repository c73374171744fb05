package procfs

type Address = uint64

type Device struct {
	Maj uint32
	Min uint32
}

type Inode struct {
	// Index of the inode.
	ID uint64
}

type Mapping struct {
	// First address covered by the mapping
	// in the virtual address space of the process.
	Begin Address
	// One-past-the-end address covered by the mapping
	// in the virtual address space of the process.
	End Address
	Permissions MappingPermissions
	// Device of the file.
	Device Device
	// Inode of the file.
	Inode Inode
	// Offset from the beginning of the file to the beginning of the mapping.
	Offset int64
	// A file the mapping is backed by.
	// For virtual file-like mappings the path can be artificial like [vdso] or [uprobes].
	Path string
}

func (m *Mapping) Contains(address Address) bool {
	return m.Begin <= address && address < m.End
}

type MappingPermissions int

const (
	MappingPermissionNone       MappingPermissions = 0b00000000
	MappingPermissionPrivate    MappingPermissions = 0b00000001
	MappingPermissionShared     MappingPermissions = 0b00000010
	MappingPermissionExecutable MappingPermissions = 0b00000100
	MappingPermissionWriteable  MappingPermissions = 0b00001000
	MappingPermissionReadable   MappingPermissions = 0b00010000
)
