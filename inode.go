package squashfs

import (
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"strings"
)

// Inode is a decoded inode record of an opened image. The on-disk size of
// the record varies with Type; fields not present in a given variant keep
// their zero value.
type Inode struct {
	sb *Superblock

	Type    Type
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime int32
	Ino     uint32 // inode number

	StartBlock uint64
	NLink      uint32
	Size       uint64 // Careful, actual on disk size varies depending on type
	Offset     uint32 // uint16 for directories
	ParentIno  uint32 // for directories
	SymTarget  []byte // The target path this symlink points to
	IdxCount   uint16 // index count for advanced directories
	XattrIdx   uint32 // xattr table index (if relevant)
	Rdev       uint32
	Sparse     uint64

	// fragment
	FragBlock uint32
	FragOfft  uint32

	// file blocks; a trailing 0xffffffff entry stands in for the fragment
	Blocks     []uint32
	BlocksOfft []uint64
}

// GetInode resolves an inode by number, through the cache built during
// directory walks or the NFS export table.
func (sb *Superblock) GetInode(ino uint64) (*Inode, error) {
	if ino == 1 {
		return sb.rootIno, nil
	}
	if ino == sb.rootInoN {
		// the root's own number maps back to the canonical root
		return sb.rootIno, nil
	}

	sb.inoIdxL.RLock()
	inor, ok := sb.inoIdx[uint32(ino)]
	sb.inoIdxL.RUnlock()
	if ok {
		return sb.GetInodeRef(inor)
	}

	ref, err := sb.exportLookup(ino)
	if err != nil {
		return nil, err
	}
	return sb.GetInodeRef(ref)
}

// GetInodeRef decodes the inode record a block reference points at.
func (sb *Superblock) GetInodeRef(inor inodeRef) (*Inode, error) {
	r, err := sb.newInodeReader(inor)
	if err != nil {
		return nil, err
	}

	ino := &Inode{sb: sb, XattrIdx: invalidXattr}

	for _, f := range []any{&ino.Type, &ino.Perm, &ino.UidIdx, &ino.GidIdx, &ino.ModTime, &ino.Ino} {
		if err := binary.Read(r, sb.order, f); err != nil {
			return nil, err
		}
	}

	var u16 uint16
	var u32 uint32

	switch ino.Type {
	case DirType:
		if err := readLE(r, sb, &u32, &ino.NLink, &u16); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)
		ino.Size = uint64(u16)
		if err := readLE(r, sb, &u16, &ino.ParentIno); err != nil {
			return nil, err
		}
		ino.Offset = uint32(u16)

	case XDirType:
		if err := readLE(r, sb, &ino.NLink, &u32); err != nil {
			return nil, err
		}
		ino.Size = uint64(u32)
		if err := readLE(r, sb, &u32, &ino.ParentIno, &ino.IdxCount, &u16, &ino.XattrIdx); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)
		ino.Offset = uint32(u16)

	case FileType:
		if err := readLE(r, sb, &u32, &ino.FragBlock, &ino.FragOfft); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)
		if err := readLE(r, sb, &u32); err != nil {
			return nil, err
		}
		ino.Size = uint64(u32)
		ino.NLink = 1
		if err := ino.readBlockList(r); err != nil {
			return nil, err
		}

	case XFileType:
		if err := readLE(r, sb, &ino.StartBlock, &ino.Size, &ino.Sparse, &ino.NLink,
			&ino.FragBlock, &ino.FragOfft, &ino.XattrIdx); err != nil {
			return nil, err
		}
		if err := ino.readBlockList(r); err != nil {
			return nil, err
		}

	case SymlinkType, XSymlinkType:
		if err := readLE(r, sb, &ino.NLink, &u32); err != nil {
			return nil, err
		}
		if u32 > 4096 {
			return nil, errors.New("symlink target too long")
		}
		ino.Size = uint64(u32)
		buf := make([]byte, u32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		ino.SymTarget = buf
		if ino.Type == XSymlinkType {
			if err := readLE(r, sb, &ino.XattrIdx); err != nil {
				return nil, err
			}
		}

	case BlockDevType, CharDevType, XBlockDevType, XCharDevType:
		if err := readLE(r, sb, &ino.NLink, &ino.Rdev); err != nil {
			return nil, err
		}
		if ino.Type >= XDirType {
			if err := readLE(r, sb, &ino.XattrIdx); err != nil {
				return nil, err
			}
		}

	case FifoType, SocketType, XFifoType, XSocketType:
		if err := readLE(r, sb, &ino.NLink); err != nil {
			return nil, err
		}
		if ino.Type >= XDirType {
			if err := readLE(r, sb, &ino.XattrIdx); err != nil {
				return nil, err
			}
		}

	default:
		return nil, ErrInvalidSuper
	}

	return ino, nil
}

func readLE(r io.Reader, sb *Superblock, fields ...any) error {
	for _, f := range fields {
		if err := binary.Read(r, sb.order, f); err != nil {
			return err
		}
	}
	return nil
}

// readBlockList decodes the block-sizes array following a file inode,
// precomputing each block's offset in the data area.
func (ino *Inode) readBlockList(r io.Reader) error {
	sb := ino.sb
	blocks := int(ino.Size / uint64(sb.BlockSize))
	if ino.FragBlock == invalidFragment && ino.Size%uint64(sb.BlockSize) != 0 {
		blocks++
	}

	ino.Blocks = make([]uint32, blocks)
	ino.BlocksOfft = make([]uint64, blocks)

	offt := uint64(0)
	var u32 uint32
	for i := 0; i < blocks; i++ {
		if err := binary.Read(r, sb.order, &u32); err != nil {
			return err
		}
		ino.Blocks[i] = u32
		ino.BlocksOfft[i] = offt
		// low 24 bits are the stored size; bit 24 is the uncompressed flag
		offt += uint64(u32 &^ blockUncompressed)
	}

	if ino.FragBlock != invalidFragment {
		// this file ends in a fragment instead of a last block
		ino.Blocks = append(ino.Blocks, invalidFragment)
	}
	return nil
}

// fragmentLocation resolves this file's fragment table entry.
func (ino *Inode) fragmentLocation() (start uint64, size uint32, err error) {
	sb := ino.sb

	// entries are 16 bytes, 512 per metadata block; a u64 location array
	// sits at FragTableStart
	ptr := make([]byte, 8)
	if _, err = sb.fs.ReadAt(ptr, int64(sb.FragTableStart)+int64(ino.FragBlock/512)*8); err != nil {
		return
	}
	t, err := sb.newTableReader(int64(sb.order.Uint64(ptr)), int(ino.FragBlock%512)*16)
	if err != nil {
		return
	}
	if err = binary.Read(t, sb.order, &start); err != nil {
		return
	}
	err = binary.Read(t, sb.order, &size)
	return
}

func (ino *Inode) readDataBlock(idx int) ([]byte, error) {
	sb := ino.sb

	if ino.Blocks[idx] == invalidFragment {
		start, size, err := ino.fragmentLocation()
		if err != nil {
			return nil, err
		}
		buf, err := readImageBlock(sb, start, size)
		if err != nil {
			return nil, err
		}
		if uint32(len(buf)) < ino.FragOfft {
			return nil, ErrInvalidSuper
		}
		return buf[ino.FragOfft:], nil
	}

	if ino.Blocks[idx] == 0 {
		// sparse block, only zeroes
		return make([]byte, sb.BlockSize), nil
	}

	return readImageBlock(sb, ino.StartBlock+ino.BlocksOfft[idx], ino.Blocks[idx])
}

// readImageBlock reads one data-area block, decompressing unless the size
// word carries the uncompressed bit.
func readImageBlock(sb *Superblock, start uint64, size uint32) ([]byte, error) {
	buf := make([]byte, size&^blockUncompressed)
	if _, err := sb.fs.ReadAt(buf, int64(start)); err != nil {
		return nil, err
	}
	if size&blockUncompressed == 0 {
		return sb.Comp.decompress(buf)
	}
	return buf, nil
}

// ReadAt reads file content, handling compressed blocks, sparse blocks and
// the fragment tail transparently.
func (ino *Inode) ReadAt(p []byte, off int64) (int, error) {
	switch ino.Type {
	case FileType, XFileType:
	default:
		return 0, fs.ErrInvalid
	}

	if uint64(off) >= ino.Size {
		return 0, io.EOF
	}
	if uint64(off)+uint64(len(p)) > ino.Size {
		p = p[:ino.Size-uint64(off)]
	}

	block := int(off / int64(ino.sb.BlockSize))
	offset := int(off % int64(ino.sb.BlockSize))
	n := 0

	for len(p) > 0 {
		buf, err := ino.readDataBlock(block)
		if err != nil {
			return n, err
		}
		if offset > 0 {
			if offset > len(buf) {
				return n, ErrInvalidSuper
			}
			buf = buf[offset:]
			offset = 0
		}

		l := copy(p, buf)
		if l == 0 {
			return n, io.ErrUnexpectedEOF
		}
		n += l
		p = p[l:]
		block++
	}

	return n, nil
}

// LookupRelativeInode resolves one name inside a directory inode.
func (ino *Inode) LookupRelativeInode(name string) (*Inode, error) {
	if !ino.IsDir() {
		return nil, ErrNotDirectory
	}

	dr, err := ino.sb.dirReader(ino)
	if err != nil {
		return nil, err
	}
	for {
		ename, inoR, err := dr.next()
		if err != nil {
			if err == io.EOF {
				return nil, fs.ErrNotExist
			}
			return nil, err
		}

		if name == ename {
			found, err := ino.sb.GetInodeRef(inoR)
			if err != nil {
				return nil, err
			}
			ino.sb.setInodeRefCache(found.Ino, inoR)
			return found, nil
		}
	}
}

// LookupRelativeInodePath resolves a slash-separated path below this inode,
// following relative symlinks in intermediate components.
func (ino *Inode) LookupRelativeInodePath(name string) (*Inode, error) {
	cur := ino
	depth := 0

	for name != "" {
		pos := strings.IndexByte(name, '/')
		var comp string
		if pos == -1 {
			comp, name = name, ""
		} else {
			comp, name = name[:pos], name[pos+1:]
		}
		if comp == "" || comp == "." {
			continue
		}

		t, err := cur.LookupRelativeInode(comp)
		if err != nil {
			return nil, err
		}
		if t.Type.IsSymlink() && name != "" {
			if depth++; depth > 40 {
				return nil, ErrTooManySymlinks
			}
			target := string(t.SymTarget)
			if strings.HasPrefix(target, "/") {
				return nil, fs.ErrNotExist
			}
			name = target + "/" + name
			continue
		}
		cur = t
	}
	return cur, nil
}

func (ino *Inode) Mode() fs.FileMode {
	return UnixToMode(uint32(ino.Perm)) | ino.Type.Mode()
}

func (ino *Inode) IsDir() bool {
	return ino.Type.IsDir()
}

func (ino *Inode) Readlink() ([]byte, error) {
	if ino.Type.IsSymlink() {
		return ino.SymTarget, nil
	}
	return nil, fs.ErrInvalid
}

// Uid resolves the inode's owner through the id table.
func (ino *Inode) Uid() uint32 {
	if int(ino.UidIdx) < len(ino.sb.idTable) {
		return ino.sb.idTable[ino.UidIdx]
	}
	return 0
}

// Gid resolves the inode's group through the id table.
func (ino *Inode) Gid() uint32 {
	if int(ino.GidIdx) < len(ino.sb.idTable) {
		return ino.sb.idTable[ino.GidIdx]
	}
	return 0
}
