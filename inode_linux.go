package squashfs

import (
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FillAttr populates a FUSE attribute record from the inode, resolving
// uid/gid through the image's id table. Used by FUSE frontends mounting an
// image directly.
func (ino *Inode) FillAttr(attr *fuse.Attr) error {
	attr.Ino = uint64(ino.Ino)
	attr.Size = ino.Size
	attr.Blocks = uint64(len(ino.Blocks)) + 1
	attr.Mode = ModeToUnix(ino.Mode())
	attr.Nlink = ino.NLink // 1 required
	attr.Rdev = ino.Rdev
	attr.Blksize = ino.sb.BlockSize
	attr.Atime = uint64(ino.ModTime)
	attr.Mtime = uint64(ino.ModTime)
	attr.Ctime = uint64(ino.ModTime)
	attr.Owner.Uid = ino.Uid()
	attr.Owner.Gid = ino.Gid()
	return nil
}
