// Package fs is the VFS facade: a single open/read/list/chdir/mkdir/create/write/chmod surface
// that routes to either the initramfs overlay or an ext2 image, depending on which filesystem is
// active. It owns the in-memory, bump-allocated overlay arena that backs writable initramfs
// files.
package fs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gokernel/corekernel/internal/fs/cpio"
	"github.com/gokernel/corekernel/internal/fs/ext2"
	"github.com/gokernel/corekernel/internal/log"
)

// Backing identifies which reader a File is served from.
type Backing uint8

const (
	Initramfs Backing = iota
	Ext2
)

const (
	// MaxNameLen bounds a file or directory name.
	MaxNameLen = 31

	// MaxFiles and MaxDirs bound the initramfs overlay's flat lists.
	MaxFiles = 32
	MaxDirs  = 8

	// arenaSize is the overlay's initial bump-allocated heap.
	arenaSize = 64 * 1024

	wellKnownExt2A = "ext2.img"
	wellKnownExt2B = "disk.img"
)

var (
	ErrNameTooLong   = errors.New("fs: name too long")
	ErrTableFull     = errors.New("fs: file table full")
	ErrNotFound      = errors.New("fs: not found")
	ErrNotSupported  = errors.New("fs: not supported on this filesystem")
	ErrArenaExceeded = errors.New("fs: overlay arena exhausted")
)

// File is an open handle into the VFS: a name, a byte view, a mutable capacity for overlay files,
// a directory flag, a permission mode, and the backing filesystem.
type File struct {
	Name     string
	Data     []byte
	Capacity int
	Dir      bool
	Mode     uint16
	Backing  Backing

	ext2Path string // only set for Ext2-backed files
}

// arena is the overlay's bump allocator: append-only, never reclaimed.
type arena struct {
	buf []byte
}

func newArena(size int) *arena {
	return &arena{buf: make([]byte, 0, size)}
}

// grow returns a slice of n zero bytes appended to the arena, doubling the backing capacity as
// needed. The arena has no upper bound: grow never fails, so no write is refused for lack of
// overlay space and ErrArenaExceeded is never returned.
func (a *arena) grow(n int) []byte {
	start := len(a.buf)

	for cap(a.buf) < start+n {
		newCap := cap(a.buf) * 2
		if newCap == 0 {
			newCap = arenaSize
		}

		grown := make([]byte, len(a.buf), newCap)
		copy(grown, a.buf)
		a.buf = grown
	}

	a.buf = a.buf[:start+n]

	return a.buf[start : start+n]
}

// VFS is the facade. The zero value is not usable; create one with Mount.
type VFS struct {
	files []File
	dirs  []string // fully-qualified directory paths
	cwd   string

	arena *arena

	active Backing
	ext2   *ext2.Image

	log *log.Logger
}

// Mount builds a VFS from a parsed cpio archive, copying file bytes into the overlay arena. If one
// of the well-known ext2 image names is present among the initramfs files and validates as an
// ext2 image, the facade switches the active filesystem to EXT2.
func Mount(logger *log.Logger, entries []cpio.Entry) (*VFS, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	v := &VFS{
		arena:  newArena(arenaSize),
		cwd:    "/",
		active: Initramfs,
		log:    logger,
	}

	for _, e := range entries {
		if len(v.files) >= MaxFiles && !e.Dir {
			logger.Warn("VFS: file table full, dropping entry", "name", e.Name)
			continue
		}

		if e.Dir {
			if len(v.dirs) < MaxDirs {
				v.dirs = append(v.dirs, "/"+strings.TrimSuffix(e.Name, "/"))
			}

			continue
		}

		name := e.Name
		if len(name) > MaxNameLen {
			name = name[:MaxNameLen]
		}

		dst := v.arena.grow(len(e.Data))
		copy(dst, e.Data)

		v.files = append(v.files, File{
			Name:     name,
			Data:     dst,
			Capacity: len(dst),
			Mode:     0o644,
			Backing:  Initramfs,
		})

		if name == wellKnownExt2A || name == wellKnownExt2B {
			if img, err := ext2.Open(dst); err == nil {
				v.ext2 = img
				v.active = Ext2
				logger.Info("VFS: switched active filesystem to ext2", "image", name)
			}
		}
	}

	logger.Info("VFS: mounted initramfs", "files", v.fileNames())

	return v, nil
}

func (v *VFS) fileNames() string {
	names := make([]string, len(v.files))
	for i, f := range v.files {
		names[i] = f.Name
	}

	return strings.Join(names, ", ")
}

// Open resolves path to a File. For the initramfs overlay this is a direct lookup by trimmed
// name; for ext2 it delegates to the ext2 reader and materializes a File view.
func (v *VFS) Open(path string) (*File, error) {
	if v.active == Ext2 {
		st, err := v.ext2.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return &File{
			Name:     path,
			Dir:      st.IsDir,
			Mode:     0o444,
			Backing:  Ext2,
			ext2Path: path,
			Capacity: int(st.Size),
		}, nil
	}

	name := strings.TrimPrefix(path, "/")

	for i := range v.files {
		if v.files[i].Name == name {
			return &v.files[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Read copies up to len(buf) bytes from file starting at offset.
func (v *VFS) Read(file *File, offset int, buf []byte) (int, error) {
	if file.Backing == Ext2 {
		return v.ext2.ReadAt(file.ext2Path, uint64(offset), buf)
	}

	if offset >= len(file.Data) {
		return 0, nil
	}

	n := copy(buf, file.Data[offset:])

	return n, nil
}

// Entry is a directory listing result, deliberately decoupled from File so callers never hold a
// reference into VFS-owned storage across two calls.
type Entry struct {
	Name  string
	Dir   bool
	Size  int
	Mode  uint16
}

// List returns the entries of the active filesystem. Ext2 listings are scoped to v.cwd; the initramfs overlay has no real hierarchy, so it lists its single flat namespace
// regardless of cwd: paths are not hierarchical at the storage level there.
func (v *VFS) List() ([]Entry, error) {
	if v.active == Ext2 {
		dirents, err := v.ext2.List(v.cwd)
		if err != nil {
			return nil, err
		}

		out := make([]Entry, len(dirents))
		for i, d := range dirents {
			out[i] = Entry{Name: d.Name, Dir: d.IsDir}
		}

		return out, nil
	}

	out := make([]Entry, len(v.files))
	for i, f := range v.files {
		out[i] = Entry{Name: f.Name, Dir: f.Dir, Size: len(f.Data), Mode: f.Mode}
	}

	return out, nil
}

// Chdir changes the current directory. On the initramfs overlay this only validates the name
// against the flat directory list; ext2 validates the path resolves to a directory.
func (v *VFS) Chdir(path string) error {
	if v.active == Ext2 {
		st, err := v.ext2.Stat(path)
		if err != nil {
			return err
		}

		if !st.IsDir {
			return ext2.ErrNotDir
		}

		v.cwd = path

		return nil
	}

	if path == "/" {
		v.cwd = path
		return nil
	}

	trimmed := strings.TrimSuffix(path, "/")
	for _, d := range v.dirs {
		if d == trimmed {
			v.cwd = path
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrNotFound, path)
}

// Cwd returns the current directory.
func (v *VFS) Cwd() string { return v.cwd }

// Mkdir adds a directory to the initramfs overlay's flat list. Fails on ext2.
func (v *VFS) Mkdir(name string) error {
	if v.active == Ext2 {
		return fmt.Errorf("%w: mkdir", ErrNotSupported)
	}

	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}

	if len(v.dirs) >= MaxDirs {
		return ErrTableFull
	}

	v.dirs = append(v.dirs, "/"+name)

	return nil
}

// Create adds a new, empty, writable file to the initramfs overlay. Fails on ext2.
func (v *VFS) Create(name string) (*File, error) {
	if v.active == Ext2 {
		return nil, fmt.Errorf("%w: create", ErrNotSupported)
	}

	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}

	if len(v.files) >= MaxFiles {
		return nil, ErrTableFull
	}

	v.files = append(v.files, File{Name: name, Mode: 0o644, Backing: Initramfs})

	return &v.files[len(v.files)-1], nil
}

// Write writes into an initramfs overlay file, growing its arena-backed buffer by doubling as
// needed and zero-filling the gap between the old end and offset. Fails on ext2.
func (v *VFS) Write(file *File, offset int, buf []byte) (int, error) {
	if file.Backing == Ext2 {
		return 0, fmt.Errorf("%w: write", ErrNotSupported)
	}

	need := offset + len(buf)
	if need > len(file.Data) {
		n := len(file.Data)
		atTail := n > 0 && len(v.arena.buf) > 0 && &file.Data[n-1] == &v.arena.buf[len(v.arena.buf)-1]

		if atTail && cap(file.Data) >= need {
			// Data already at the end of the arena, with room behind it: the newly grown bytes
			// extend it in place.
			v.arena.grow(need - n)
			file.Data = file.Data[:need]
		} else {
			// Not at the arena's tail: relocate so the file owns contiguous storage.
			relocated := v.arena.grow(need)
			copy(relocated, file.Data)
			file.Data = relocated
		}

		file.Capacity = len(file.Data)
	}

	for i := len(file.Data); i < offset; i++ {
		file.Data[i] = 0
	}

	n := copy(file.Data[offset:], buf)

	return n, nil
}

// Chmod sets the permission bits on an initramfs overlay file record. Directory records carry no
// mode and are not searched. Fails on ext2.
func (v *VFS) Chmod(name string, mode uint16) error {
	if v.active == Ext2 {
		return fmt.Errorf("%w: chmod", ErrNotSupported)
	}

	for i := range v.files {
		if v.files[i].Name == name {
			v.files[i].Mode = mode
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrNotFound, name)
}

// ActiveFS reports which filesystem is currently being served.
func (v *VFS) ActiveFS() Backing { return v.active }
