package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"
)

const (
	// SuperblockSize is the on-disk size of the superblock (96 bytes).
	SuperblockSize = 96

	// SquashMagic is "hsqs" read little-endian.
	SquashMagic = 0x73717368

	metaBlockSize = 8192

	invalidFragment = uint32(0xffffffff)
	invalidXattr    = uint32(0xffffffff)
	invalidTable    = uint64(0xffffffffffffffff)
)

// https://dr-emann.github.io/squashfs/
type Superblock struct {
	fs    io.ReaderAt
	order binary.ByteOrder

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             SquashFlags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64

	// reader state
	rootIno  *Inode
	rootInoN uint64 // inode number found in the root inode record
	idTable  []uint32
	inoIdx   map[uint32]inodeRef
	inoIdxL  sync.RWMutex
}

// New reads and parses the superblock of an existing image, returning a
// Superblock ready to resolve inodes. Use Open() for a full fs.FS.
func New(fs io.ReaderAt) (*Superblock, error) {
	sb := &Superblock{fs: fs, inoIdx: make(map[uint32]inodeRef)}
	head := make([]byte, SuperblockSize)

	if _, err := fs.ReadAt(head, 0); err != nil {
		return nil, err
	}
	if err := sb.UnmarshalBinary(head); err != nil {
		return nil, err
	}

	if err := sb.readIdTable(); err != nil {
		return nil, err
	}

	root, err := sb.GetInodeRef(inodeRef(sb.RootInode))
	if err != nil {
		return nil, err
	}
	sb.rootIno = root
	sb.rootInoN = uint64(root.Ino)

	return sb, nil
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < SuperblockSize {
		return ErrInvalidSuper
	}

	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return ErrInvalidFile
	}

	r := bytes.NewReader(data)
	for _, f := range []any{
		&s.Magic, &s.InodeCnt, &s.ModTime, &s.BlockSize, &s.FragCount,
		&s.Comp, &s.BlockLog, &s.Flags, &s.IdCount, &s.VMajor, &s.VMinor,
		&s.RootInode, &s.BytesUsed, &s.IdTableStart, &s.XattrIdTableStart,
		&s.InodeTableStart, &s.DirTableStart, &s.FragTableStart,
		&s.ExportTableStart,
	} {
		if err := binary.Read(r, s.order, f); err != nil {
			return err
		}
	}

	if s.VMajor != 4 || s.VMinor != 0 {
		return ErrInvalidVersion
	}
	if s.BlockSize < 4096 || s.BlockSize > 1024*1024 || 1<<s.BlockLog != s.BlockSize {
		return ErrInvalidSuper
	}

	return nil
}

// Bytes serializes the superblock for writing at offset 0 of an image.
func (s *Superblock) Bytes() []byte {
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}
	buf := bytes.NewBuffer(make([]byte, 0, SuperblockSize))
	for _, f := range []any{
		s.Magic, s.InodeCnt, s.ModTime, s.BlockSize, s.FragCount,
		s.Comp, s.BlockLog, s.Flags, s.IdCount, s.VMajor, s.VMinor,
		s.RootInode, s.BytesUsed, s.IdTableStart, s.XattrIdTableStart,
		s.InodeTableStart, s.DirTableStart, s.FragTableStart,
		s.ExportTableStart,
	} {
		binary.Write(buf, order, f)
	}
	return buf.Bytes()
}

// readIdTable loads the uid/gid lookup table used to resolve the 16-bit
// indices stored in inodes.
func (s *Superblock) readIdTable() error {
	if s.IdCount == 0 || s.IdTableStart == invalidTable {
		return nil
	}

	s.idTable = make([]uint32, s.IdCount)

	// ids are packed 2048 per metadata block; an array of u64 block
	// locations sits at IdTableStart
	blocks := (int(s.IdCount) + 2047) / 2048
	ptrs := make([]byte, blocks*8)
	if _, err := s.fs.ReadAt(ptrs, int64(s.IdTableStart)); err != nil {
		return err
	}

	for b := 0; b < blocks; b++ {
		loc := s.order.Uint64(ptrs[b*8:])
		tr, err := s.newTableReader(int64(loc), 0)
		if err != nil {
			return err
		}
		count := 2048
		if b == blocks-1 {
			count = int(s.IdCount) - b*2048
		}
		for i := 0; i < count; i++ {
			if err := binary.Read(tr, s.order, &s.idTable[b*2048+i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// exportLookup resolves an inode number through the NFS export table.
func (s *Superblock) exportLookup(ino uint64) (inodeRef, error) {
	if s.ExportTableStart == invalidTable {
		return 0, ErrInodeNotExported
	}
	if ino < 1 || ino > uint64(s.InodeCnt) {
		return 0, ErrInodeNotExported
	}

	// refs are packed 1024 per metadata block
	idx := ino - 1
	ptr := make([]byte, 8)
	if _, err := s.fs.ReadAt(ptr, int64(s.ExportTableStart)+int64(idx/1024)*8); err != nil {
		return 0, err
	}
	tr, err := s.newTableReader(int64(s.order.Uint64(ptr)), int(idx%1024)*8)
	if err != nil {
		return 0, err
	}
	var ref uint64
	if err := binary.Read(tr, s.order, &ref); err != nil {
		return 0, err
	}
	return inodeRef(ref), nil
}

func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoIdxL.Lock()
	s.inoIdx[ino] = ref
	s.inoIdxL.Unlock()
}
