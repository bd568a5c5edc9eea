package squashfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"
)

// Writer builds a SquashFS image. The filesystem tree is described first
// (Add / AddNode), then Finalize() streams file data through the parallel
// block processor and emits the metadata tables and superblock.
//
// Layout of the finished image:
//  1. superblock
//  2. compressor options block, if any
//  3. data and fragment blocks, in submission order
//  4. inode table (metadata stream)
//  5. directory table (metadata stream, staged in a temp file)
//  6. fragment table
//  7. export table (with WithExportTable)
//  8. id table
//  9. xattr tables
//  10. zero padding to the device block size
type Writer struct {
	w   io.WriteSeeker
	out *outfile

	compID    Compression
	compOpts  map[string]string
	comp      Compressor
	blockSize uint32
	devBlock  uint32
	numJobs   int
	backlog   int
	modTime   int32

	exportable      bool
	noFragments     bool
	alwaysFragments bool

	tree     *Tree
	srcFS    fs.FS
	ids      *idTable
	xw       *xattrWriter
	progress func(path string)

	finished bool
	sb       Superblock
}

// WriterOption configures a Writer
type WriterOption func(*Writer) error

// WithBlockSize sets the data block size (default: 131072). Must be a
// power of two between 4 KiB and 1 MiB.
func WithBlockSize(size uint32) WriterOption {
	return func(w *Writer) error {
		if size < 4096 || size > 1024*1024 || size&(size-1) != 0 {
			return fmt.Errorf("%w: block size %d", ErrInvalidConfig, size)
		}
		w.blockSize = size
		return nil
	}
}

// WithDevBlockSize sets the device block size the image is padded to
// (default: 4096).
func WithDevBlockSize(size uint32) WriterOption {
	return func(w *Writer) error {
		if size != 0 && size&(size-1) != 0 {
			return fmt.Errorf("%w: device block size %d", ErrInvalidConfig, size)
		}
		w.devBlock = size
		return nil
	}
}

// WithCompression sets the compression type (default: GZip)
func WithCompression(comp Compression) WriterOption {
	return func(w *Writer) error {
		w.compID = comp
		return nil
	}
}

// WithCompressorOptions passes --comp-extra style key=value pairs to the
// compressor.
func WithCompressorOptions(opts map[string]string) WriterOption {
	return func(w *Writer) error {
		w.compOpts = opts
		return nil
	}
}

// WithModTime sets the filesystem modification time and the root
// directory's mtime (default: current time)
func WithModTime(t time.Time) WriterOption {
	return func(w *Writer) error {
		w.modTime = int32(t.Unix())
		w.tree.Root().ModTime = w.modTime
		return nil
	}
}

// WithNumJobs sets the number of compression workers (default: CPU count).
func WithNumJobs(n int) WriterOption {
	return func(w *Writer) error {
		w.numJobs = n
		return nil
	}
}

// WithQueueBacklog bounds the block processor backlog (default: 10x jobs).
func WithQueueBacklog(n int) WriterOption {
	return func(w *Writer) error {
		w.backlog = n
		return nil
	}
}

// WithExportTable emits the NFS export table.
func WithExportTable() WriterOption {
	return func(w *Writer) error {
		w.exportable = true
		return nil
	}
}

// WithNoFragments stores file tails as short data blocks instead of
// packing them into fragments.
func WithNoFragments() WriterOption {
	return func(w *Writer) error {
		w.noFragments = true
		return nil
	}
}

// WithAlwaysFragments sets the ALWAYS_FRAGMENTS superblock flag. Tails are
// packed into fragments with or without it; block-aligned files have no
// tail and get no fragment either way.
func WithAlwaysFragments() WriterOption {
	return func(w *Writer) error {
		w.alwaysFragments = true
		return nil
	}
}

// WithDefaults sets the attributes of the root and of directories created
// implicitly for intermediate path components.
func WithDefaults(uid, gid uint32, mode uint16, mtime time.Time) WriterOption {
	return func(w *Writer) error {
		w.tree.DefaultUID = uid
		w.tree.DefaultGID = gid
		w.tree.DefaultMode = mode & 0xfff
		w.tree.DefaultModTime = int32(mtime.Unix())
		root := w.tree.Root()
		root.Mode = S_IFDIR | w.tree.DefaultMode
		root.UID = uid
		root.GID = gid
		root.ModTime = w.tree.DefaultModTime
		return nil
	}
}

// WithProgress installs a per-file progress callback, invoked from the
// data phase with the image path just processed.
func WithProgress(fn func(path string)) WriterOption {
	return func(w *Writer) error {
		w.progress = fn
		return nil
	}
}

// NewWriter creates a SquashFS writer targeting w. The image is produced
// by Finalize(); nothing is written before that.
func NewWriter(w io.WriteSeeker, opts ...WriterOption) (*Writer, error) {
	wr := &Writer{
		w:         w,
		compID:    GZip,
		blockSize: 131072,
		devBlock:  4096,
		modTime:   int32(time.Now().Unix()),
		tree:      NewTree(),
		ids:       newIDTable(),
		xw:        newXattrWriter(),
	}
	wr.tree.Root().ModTime = wr.modTime

	for _, opt := range opts {
		if err := opt(wr); err != nil {
			return nil, err
		}
	}

	comp, err := NewCompressor(wr.compID, wr.compOpts)
	if err != nil {
		return nil, err
	}
	wr.comp = comp

	return wr, nil
}

// Tree exposes the filesystem tree for direct population by scanners.
func (w *Writer) Tree() *Tree { return w.tree }

// AddNode inserts a node at the given absolute image path, creating
// missing parent directories with the default attributes.
func (w *Writer) AddNode(path string, n *Node) error {
	return w.tree.Add(path, n)
}

// SetSourceFS sets the filesystem that subsequent Add() calls read file
// data (and metadata) from. It may be changed between calls.
func (w *Writer) SetSourceFS(srcFS fs.FS) {
	w.srcFS = srcFS
}

// Add adds a file or directory from the source filesystem. The signature
// is fs.WalkDirFunc-compatible so a whole tree can be ingested with:
//
//	err := fs.WalkDir(srcFS, ".", w.Add)
func (w *Writer) Add(path string, d fs.DirEntry, err error) error {
	if err != nil {
		return err
	}
	if path == "." || path == "" {
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return err
	}

	n := &Node{
		Mode:    uint16(ModeToUnix(info.Mode()) & 0xffff),
		ModTime: int32(info.ModTime().Unix()),
	}
	if sys := info.Sys(); sys != nil {
		if st, ok := sys.(interface {
			Uid() uint32
			Gid() uint32
		}); ok {
			n.UID = st.Uid()
			n.GID = st.Gid()
		}
	}

	switch {
	case info.Mode().IsRegular():
		if w.srcFS == nil {
			return fmt.Errorf("no source filesystem set for %s", path)
		}
		n.Size = uint64(info.Size())
		srcFS, p := w.srcFS, path
		n.Content = func() (io.ReadCloser, error) {
			return srcFS.Open(p)
		}
	case info.Mode()&fs.ModeSymlink != 0:
		rl, ok := w.srcFS.(interface {
			ReadLink(name string) (string, error)
		})
		if !ok {
			return fmt.Errorf("source filesystem cannot read symlink %s", path)
		}
		target, err := rl.ReadLink(path)
		if err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", path, err)
		}
		n.Target = target
	}

	return w.tree.Add("/"+path, n)
}

// Finalize writes the complete image. The Writer must not be used again
// afterwards; on error the output contents are not a valid image.
func (w *Writer) Finalize() error {
	if w.finished {
		return ErrWriterClosed
	}
	w.finished = true

	out, err := newOutfile(w.w)
	if err != nil {
		return err
	}
	w.out = out

	// superblock placeholder, rewritten at the end
	if err := out.write(make([]byte, SuperblockSize)); err != nil {
		return err
	}

	compOpts := w.comp.Options()
	if compOpts != nil {
		hdr := make([]byte, 2)
		binary.LittleEndian.PutUint16(hdr, uint16(len(compOpts))|0x8000)
		if err := out.write(hdr); err != nil {
			return err
		}
		if err := out.write(compOpts); err != nil {
			return err
		}
	}

	w.tree.finalize()

	frags, err := w.writeData(out)
	if err != nil {
		return err
	}

	// directory listings are produced while inodes stream out but land
	// after the inode table, so they stage in a temp file
	dirTmp, err := os.CreateTemp("", "sqfs-dirtable-*")
	if err != nil {
		return err
	}
	defer func() {
		dirTmp.Close()
		os.Remove(dirTmp.Name())
	}()

	inodeMW := newMetaWriter(out, w.comp)
	dirMW := newMetaWriter(dirTmp, w.comp)

	inodeTableStart := out.offset
	ser := newSerializer(inodeMW, dirMW, w.ids, w.xw, w.tree.Count(), w.blockSize)
	if err := ser.serialize(w.tree); err != nil {
		return err
	}
	if err := inodeMW.flush(); err != nil {
		return err
	}
	if err := dirMW.flush(); err != nil {
		return err
	}

	dirTableStart := out.offset
	if _, err := dirTmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(out, dirTmp); err != nil {
		return err
	}

	fragTableStart, err := frags.writeTable(out, w.comp)
	if err != nil {
		return err
	}

	exportTableStart := invalidTable
	if w.exportable {
		if exportTableStart, err = w.writeExportTable(out); err != nil {
			return err
		}
	}

	idTableStart, err := w.ids.write(out, w.comp)
	if err != nil {
		return err
	}

	xattrTableStart, err := w.xw.writeTables(out, w.comp)
	if err != nil {
		return err
	}

	w.sb = Superblock{
		Magic:             SquashMagic,
		InodeCnt:          w.tree.Count(),
		ModTime:           w.modTime,
		BlockSize:         w.blockSize,
		FragCount:         uint32(len(frags.entries)),
		Comp:              w.compID,
		BlockLog:          blockLog(w.blockSize),
		Flags:             w.superFlags(compOpts != nil, frags),
		IdCount:           w.ids.count(),
		VMajor:            4,
		VMinor:            0,
		RootInode:         uint64(w.tree.Root().inodeRef),
		BytesUsed:         out.offset,
		IdTableStart:      idTableStart,
		XattrIdTableStart: xattrTableStart,
		InodeTableStart:   inodeTableStart,
		DirTableStart:     dirTableStart,
		FragTableStart:    fragTableStart,
		ExportTableStart:  exportTableStart,
	}

	if err := out.writeAt(w.sb.Bytes(), 0); err != nil {
		return err
	}

	return out.padTo(w.devBlock)
}

func (w *Writer) superFlags(compOpts bool, frags *fragmentPacker) SquashFlags {
	flags := DUPLICATES
	if w.exportable {
		flags |= EXPORTABLE
	}
	if w.xw.empty() {
		flags |= NO_XATTRS
	}
	if compOpts {
		flags |= COMPRESSOR_OPTIONS
	}
	if w.noFragments {
		flags |= NO_FRAGMENTS
	}
	if w.alwaysFragments {
		flags |= ALWAYS_FRAGMENTS
	}
	return flags
}

// writeData streams every file's content through the block processor in
// tree order and packs tails into fragments.
func (w *Writer) writeData(out *outfile) (*fragmentPacker, error) {
	proc := newBlockProcessor(out, w.comp, w.numJobs, w.backlog)
	frags := newFragmentPacker(proc, w.blockSize)

	err := w.tree.files(func(n *Node) error {
		if err := w.fileData(proc, frags, n); err != nil {
			return err
		}
		if w.progress != nil {
			w.progress(n.Path())
		}
		return nil
	})
	if err != nil {
		proc.finish()
		return nil, err
	}

	if err := frags.flush(); err != nil {
		proc.finish()
		return nil, err
	}
	if err := proc.finish(); err != nil {
		return nil, err
	}
	return frags, nil
}

func (w *Writer) fileData(proc *blockProcessor, frags *fragmentPacker, n *Node) error {
	if n.Size == 0 {
		return nil
	}
	if n.Content == nil {
		return fmt.Errorf("%s: no content source", n.Path())
	}

	rc, err := n.Content()
	if err != nil {
		return err
	}
	defer rc.Close()

	bs := uint64(w.blockSize)
	tailLen := n.Size % bs
	if w.noFragments {
		tailLen = 0
	}
	blockCnt := (n.Size - tailLen) / bs
	if w.noFragments && n.Size%bs != 0 {
		blockCnt++ // tail becomes a short final block
	}
	n.blocks = make([]uint32, blockCnt)

	for i := uint64(0); i < blockCnt; i++ {
		sz := bs
		if rem := n.Size - i*bs; rem < sz {
			sz = rem
		}
		buf := make([]byte, sz)
		if _, err := io.ReadFull(rc, buf); err != nil {
			return fmt.Errorf("%s: %w", n.Path(), errTruncated(err))
		}
		if isZeroBlock(buf) {
			n.blocks[i] = 0
			continue
		}
		if err := proc.submit(&block{node: n, index: int(i), data: buf}); err != nil {
			return err
		}
	}

	if tailLen > 0 {
		buf := make([]byte, tailLen)
		if _, err := io.ReadFull(rc, buf); err != nil {
			return fmt.Errorf("%s: %w", n.Path(), errTruncated(err))
		}
		if err := frags.addTail(n, buf); err != nil {
			return err
		}
	}

	return nil
}

// errTruncated maps short-read conditions onto ErrTruncatedRead; a source
// delivering fewer bytes than its recorded size must fail the build.
func errTruncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncatedRead
	}
	return err
}

// writeExportTable emits one inode reference per inode number, packed into
// metadata blocks with a location array, for NFS export support.
func (w *Writer) writeExportTable(out *outfile) (uint64, error) {
	refs := make([]inodeRef, w.tree.Count())
	err := w.tree.postOrder(func(n *Node) error {
		refs[n.inodeNum-1] = n.inodeRef
		return nil
	})
	if err != nil {
		return 0, err
	}

	payload := make([]byte, len(refs)*8)
	for i, ref := range refs {
		binary.LittleEndian.PutUint64(payload[i*8:], uint64(ref))
	}
	locs, err := writeMetaTable(out, w.comp, payload)
	if err != nil {
		return 0, err
	}

	start := out.offset
	ptrs := make([]byte, len(locs)*8)
	for i, loc := range locs {
		binary.LittleEndian.PutUint64(ptrs[i*8:], loc)
	}
	if err := out.write(ptrs); err != nil {
		return 0, err
	}
	return start, nil
}

func blockLog(blockSize uint32) uint16 {
	for i := uint16(12); i <= 20; i++ {
		if blockSize == 1<<i {
			return i
		}
	}
	return 0
}
