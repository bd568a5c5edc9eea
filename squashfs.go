// Package squashfs creates and reads SquashFS 4.0 filesystem images: a
// read-only, compressed, block-based format used for firmware, live media
// and container layers.
//
// The Writer builds images from an in-memory tree, compressing data blocks
// in parallel; the Superblock type opens existing images and exposes them
// through io/fs interfaces.
package squashfs

import (
	"io/fs"
	"os"
	"strings"
)

// Archive is an image opened from a file path; Close releases the
// underlying file.
type Archive struct {
	*Superblock
	f *os.File
}

// Open opens a SquashFS image from the local filesystem.
func Open(name string) (*Archive, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	sb, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Archive{Superblock: sb, f: f}, nil
}

func (a *Archive) Close() error {
	return a.f.Close()
}

var _ fs.FS = (*Superblock)(nil)
var _ fs.StatFS = (*Superblock)(nil)

// FindInode resolves a path within the image to its inode. With
// followSymlinks, a symlink in the final position is resolved too.
func (s *Superblock) FindInode(path string, followSymlinks bool) (*Inode, error) {
	path = strings.TrimPrefix(path, "/")
	if path == "." {
		path = ""
	}
	ino, err := s.rootIno.LookupRelativeInodePath(path)
	if err != nil {
		return nil, err
	}
	for depth := 0; followSymlinks && ino.Type.IsSymlink(); depth++ {
		if depth > 40 {
			return nil, ErrTooManySymlinks
		}
		target := string(ino.SymTarget)
		if strings.HasPrefix(target, "/") {
			return nil, fs.ErrNotExist
		}
		dir := ""
		if pos := strings.LastIndexByte(path, '/'); pos != -1 {
			dir = path[:pos+1]
		}
		path = dir + target
		if ino, err = s.rootIno.LookupRelativeInodePath(path); err != nil {
			return nil, err
		}
	}
	return ino, nil
}

// Open implements fs.FS.
func (s *Superblock) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := s.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	base := name
	if pos := strings.LastIndexByte(name, '/'); pos != -1 {
		base = name[pos+1:]
	}
	if name == "." {
		base = "."
	}
	return ino.OpenFile(base), nil
}

// Stat implements fs.StatFS.
func (s *Superblock) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	ino, err := s.FindInode(name, true)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	base := name
	if pos := strings.LastIndexByte(name, '/'); pos != -1 {
		base = name[pos+1:]
	}
	return &fileinfo{name: base, ino: ino}, nil
}

// ReadLink implements the fs.ReadLinkFS-style lookup used by tooling.
func (s *Superblock) ReadLink(name string) (string, error) {
	ino, err := s.FindInode(name, false)
	if err != nil {
		return "", err
	}
	target, err := ino.Readlink()
	if err != nil {
		return "", err
	}
	return string(target), nil
}
