//go:build linux

package squashfs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ScanOptions control how a host directory tree is ingested.
type ScanOptions struct {
	// KeepTime records each entry's mtime instead of the writer default.
	KeepTime bool

	// KeepXattr records extended attributes in the user, trusted and
	// security namespaces.
	KeepXattr bool

	// OneFileSystem skips directories on other mounted filesystems.
	OneFileSystem bool
}

// ScanDir walks a host directory and adds everything below it to the
// writer's tree, reading ownership and device numbers with lstat. Entries
// whose type SquashFS cannot store are skipped.
func ScanDir(w *Writer, root string, opts ScanOptions) error {
	var rootDev uint64
	if opts.OneFileSystem {
		var st unix.Stat_t
		if err := unix.Lstat(root, &st); err != nil {
			return &os.PathError{Op: "lstat", Path: root, Err: err}
		}
		rootDev = uint64(st.Dev)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return &os.PathError{Op: "lstat", Path: path, Err: err}
		}

		if opts.OneFileSystem && d.IsDir() && uint64(st.Dev) != rootDev {
			return filepath.SkipDir
		}

		n := &Node{
			Mode:    uint16(st.Mode & 0xffff),
			UID:     st.Uid,
			GID:     st.Gid,
			ModTime: w.tree.DefaultModTime,
		}
		if opts.KeepTime {
			n.ModTime = int32(st.Mtim.Sec)
		}

		switch st.Mode & unix.S_IFMT {
		case unix.S_IFREG:
			n.Size = uint64(st.Size)
			src := path
			n.Content = func() (io.ReadCloser, error) {
				return os.Open(src)
			}
		case unix.S_IFLNK:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			n.Target = target
		case unix.S_IFBLK, unix.S_IFCHR:
			n.Rdev = packRdev(unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)))
		case unix.S_IFDIR, unix.S_IFIFO, unix.S_IFSOCK:
			// nothing extra to record
		default:
			return nil
		}

		if opts.KeepXattr {
			attrs, err := readXattrs(path)
			if err != nil {
				return err
			}
			n.Xattrs = attrs
		}

		return w.AddNode("/"+filepath.ToSlash(rel), n)
	})
}

// readXattrs collects the extended attributes of one host path, keeping
// only the namespaces SquashFS can represent.
func readXattrs(path string) ([]Xattr, error) {
	sz, err := unix.Llistxattr(path, nil)
	if err != nil || sz == 0 {
		// missing support or no attributes
		return nil, nil
	}
	buf := make([]byte, sz)
	if sz, err = unix.Llistxattr(path, buf); err != nil {
		return nil, &os.PathError{Op: "llistxattr", Path: path, Err: err}
	}

	var attrs []Xattr
	for _, key := range strings.Split(strings.TrimRight(string(buf[:sz]), "\x00"), "\x00") {
		if key == "" {
			continue
		}
		vsz, err := unix.Lgetxattr(path, key, nil)
		if err != nil {
			continue
		}
		val := make([]byte, vsz)
		if vsz, err = unix.Lgetxattr(path, key, val); err != nil {
			return nil, &os.PathError{Op: "lgetxattr", Path: path, Err: err}
		}
		attr, err := NormalizeXattr(key, val[:vsz])
		if err != nil {
			// namespace not representable, skip
			continue
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}
