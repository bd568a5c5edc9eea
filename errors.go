package squashfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidFile is returned when the file format is not recognized as SquashFS
	ErrInvalidFile = errors.New("invalid file, squashfs signature not found")

	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("invalid squashfs superblock")

	// ErrInvalidVersion is returned when the SquashFS version is not 4.0
	// This library only supports SquashFS 4.0 format
	ErrInvalidVersion = errors.New("invalid file version, expected squashfs 4.0")

	// ErrInodeNotExported is returned when trying to access an inode that isn't in the export table
	ErrInodeNotExported = errors.New("unknown squashfs inode and no NFS export table")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrTooManySymlinks is returned when symlink resolution exceeds the maximum depth
	// This prevents infinite loops in symlink resolution
	ErrTooManySymlinks = errors.New("too many levels of symbolic links")

	// ErrUnsupportedCompressor is returned when an image uses a compressor this
	// library has no handler for (lzo and lz4 are recognized but not implemented)
	ErrUnsupportedCompressor = errors.New("unsupported compressor")

	// ErrWriterClosed is returned when submitting work to a block processor that
	// is shutting down, or when Finalize is called a second time; a processor
	// poisoned by an earlier error reports that error instead
	ErrWriterClosed = errors.New("writer already finished")

	// ErrDuplicateEntry is returned when two entries with the same name are added
	// to the same directory
	ErrDuplicateEntry = errors.New("duplicate directory entry")

	// ErrBadPath is returned for image paths that are empty, relative or escape
	// the image root
	ErrBadPath = errors.New("invalid image path")

	// ErrTruncatedRead is returned when a source file delivers fewer bytes than
	// its recorded size; the image would silently contain garbage otherwise
	ErrTruncatedRead = errors.New("short read, source truncated")

	// ErrTooManyIDs is returned when more than 65536 distinct uid/gid values are
	// in use; the on-disk inode format stores 16-bit id table indices
	ErrTooManyIDs = errors.New("too many distinct uid/gid values")

	// ErrFieldOverflow is returned when a value does not fit even the extended
	// inode form
	ErrFieldOverflow = errors.New("field exceeds on-disk representation")

	// ErrInvalidConfig is returned for writer options that are out of range,
	// e.g. a block size that is not a power of two
	ErrInvalidConfig = errors.New("invalid configuration")
)
