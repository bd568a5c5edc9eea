package squashfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Directory listings cap at 256 entries per header; a new header also
// starts when the referenced metadata block changes or the inode number
// delta leaves the signed 16-bit range.
const dirHeaderMaxEntries = 256

// serializer walks the finalized tree depth-first, children before parents,
// emitting directory listings into the directory meta-stream and inode
// records into the inode meta-stream. Each node's inode reference is
// captured from the meta-writer cursor at emission time.
type serializer struct {
	inodes *metaWriter
	dirs   *metaWriter
	ids    *idTable
	xw     *xattrWriter

	inodeCnt  uint32
	blockSize uint32
}

func newSerializer(inodes, dirs *metaWriter, ids *idTable, xw *xattrWriter, inodeCnt, blockSize uint32) *serializer {
	return &serializer{inodes: inodes, dirs: dirs, ids: ids, xw: xw, inodeCnt: inodeCnt, blockSize: blockSize}
}

func (s *serializer) serialize(t *Tree) error {
	return t.postOrder(s.node)
}

func (s *serializer) node(n *Node) error {
	uidIdx, err := s.ids.intern(n.UID)
	if err != nil {
		return err
	}
	gidIdx, err := s.ids.intern(n.GID)
	if err != nil {
		return err
	}
	n.xattrID = s.xw.intern(n.Xattrs)

	if n.IsDir() {
		if err := s.dirListing(n); err != nil {
			return err
		}
	}

	blk, off := s.inodes.cursor()
	n.inodeRef = makeInodeRef(blk, off)

	buf := &bytes.Buffer{}
	if err := s.record(buf, n, uidIdx, gidIdx); err != nil {
		return err
	}
	return s.inodes.append(buf.Bytes())
}

// dirListing emits the delta-encoded entry listing for a directory and
// records its position on the node. Children are already serialized, so
// their inode references and numbers are final.
func (s *serializer) dirListing(n *Node) error {
	n.dirStartBlock, n.dirOffset = s.dirs.cursor()
	n.dirSize = 0

	i := 0
	for i < len(n.children) {
		base := n.children[i]
		baseIno := int64(base.inodeNum)
		startBlock := base.inodeRef.Index()

		// find the run of entries sharing this header
		j := i
		for j < len(n.children) && j-i < dirHeaderMaxEntries {
			c := n.children[j]
			if c.inodeRef.Index() != startBlock {
				break
			}
			if d := int64(c.inodeNum) - baseIno; d < -32768 || d > 32767 {
				break
			}
			j++
		}

		buf := &bytes.Buffer{}
		binary.Write(buf, binary.LittleEndian, uint32(j-i-1))
		binary.Write(buf, binary.LittleEndian, startBlock)
		binary.Write(buf, binary.LittleEndian, uint32(baseIno))

		for _, c := range n.children[i:j] {
			if len(c.Name) == 0 || len(c.Name) > 256 {
				return fmt.Errorf("%w: entry name %q", ErrFieldOverflow, c.Name)
			}
			binary.Write(buf, binary.LittleEndian, uint16(c.inodeRef.Offset()))
			binary.Write(buf, binary.LittleEndian, int16(int64(c.inodeNum)-baseIno))
			binary.Write(buf, binary.LittleEndian, c.Type())
			binary.Write(buf, binary.LittleEndian, uint16(len(c.Name)-1))
			buf.WriteString(c.Name)
		}

		if err := s.dirs.append(buf.Bytes()); err != nil {
			return err
		}
		n.dirSize += uint32(buf.Len())
		i = j
	}
	return nil
}

// extended reports whether the node needs the extended inode variant: any
// field out of the narrow form's range, or a present xattr id.
func (s *serializer) extended(n *Node) bool {
	if n.xattrID != invalidXattr {
		return true
	}
	switch n.Mode & S_IFMT {
	case S_IFREG:
		return n.Size > 0xffffffff || n.startBlock > 0xffffffff || n.nlink > 1
	case S_IFDIR:
		return n.dirSize+3 > 0xffff
	}
	return false
}

func (s *serializer) record(buf *bytes.Buffer, n *Node, uidIdx, gidIdx uint16) error {
	typ := n.Type()
	if typ == 0 {
		return fmt.Errorf("%w: mode %o of %s", ErrFieldOverflow, n.Mode, n.Path())
	}
	ext := s.extended(n)
	if ext {
		typ = typ.Extended()
	}

	// parent of the root is by convention one past the last inode number
	parentIno := s.inodeCnt + 1
	if n.parent != nil {
		parentIno = n.parent.inodeNum
	}

	order := binary.LittleEndian
	binary.Write(buf, order, typ)
	binary.Write(buf, order, n.Mode&0xfff)
	binary.Write(buf, order, uidIdx)
	binary.Write(buf, order, gidIdx)
	binary.Write(buf, order, n.ModTime)
	binary.Write(buf, order, n.inodeNum)

	switch n.Mode & S_IFMT {
	case S_IFDIR:
		if !ext {
			binary.Write(buf, order, n.dirStartBlock)
			binary.Write(buf, order, n.nlink)
			binary.Write(buf, order, uint16(n.dirSize+3))
			binary.Write(buf, order, n.dirOffset)
			binary.Write(buf, order, parentIno)
		} else {
			binary.Write(buf, order, n.nlink)
			binary.Write(buf, order, n.dirSize+3)
			binary.Write(buf, order, n.dirStartBlock)
			binary.Write(buf, order, parentIno)
			binary.Write(buf, order, uint16(0)) // no directory index
			binary.Write(buf, order, n.dirOffset)
			binary.Write(buf, order, n.xattrID)
		}

	case S_IFREG:
		if !ext {
			binary.Write(buf, order, uint32(n.startBlock))
			binary.Write(buf, order, n.fragIndex)
			binary.Write(buf, order, n.fragOffset)
			binary.Write(buf, order, uint32(n.Size))
		} else {
			binary.Write(buf, order, n.startBlock)
			binary.Write(buf, order, n.Size)
			binary.Write(buf, order, s.sparseBytes(n))
			binary.Write(buf, order, n.nlink)
			binary.Write(buf, order, n.fragIndex)
			binary.Write(buf, order, n.fragOffset)
			binary.Write(buf, order, n.xattrID)
		}
		for _, b := range n.blocks {
			binary.Write(buf, order, b)
		}

	case S_IFLNK:
		binary.Write(buf, order, n.nlink)
		binary.Write(buf, order, uint32(len(n.Target)))
		buf.WriteString(n.Target)
		if ext {
			binary.Write(buf, order, n.xattrID)
		}

	case S_IFBLK, S_IFCHR:
		binary.Write(buf, order, n.nlink)
		binary.Write(buf, order, n.Rdev)
		if ext {
			binary.Write(buf, order, n.xattrID)
		}

	case S_IFIFO, S_IFSOCK:
		binary.Write(buf, order, n.nlink)
		if ext {
			binary.Write(buf, order, n.xattrID)
		}
	}

	return nil
}

// sparseBytes is the zero-block accounting stored in extended file inodes:
// the number of data bytes the image saves by omitting all-zero blocks.
func (s *serializer) sparseBytes(n *Node) uint64 {
	var total uint64
	for _, b := range n.blocks {
		if b == 0 {
			total += uint64(s.blockSize)
		}
	}
	return total
}
