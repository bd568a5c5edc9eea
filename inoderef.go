package squashfs

import "fmt"

// inodeRef packs the position of a metadata record: the byte offset of its
// metadata block within the stream in the upper 48 bits, the byte offset
// inside the uncompressed block in the lower 16.
type inodeRef uint64

func makeInodeRef(blockStart uint32, offset uint16) inodeRef {
	return inodeRef(uint64(blockStart)<<16 | uint64(offset))
}

func (i inodeRef) Index() uint32 {
	return uint32((uint64(i) >> 16) & 0xffffffff)
}

func (i inodeRef) Offset() uint32 {
	return uint32(uint64(i) & 0xffff)
}

func (i inodeRef) String() string {
	return fmt.Sprintf("inodeRef(index=0x%x,offset=0x%x)", i.Index(), i.Offset())
}
