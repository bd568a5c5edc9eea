package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
)

// SquashFS "gzip" blocks are raw zlib streams. The serialized options block
// mirrors what mksquashfs records: level, window size and strategy bitmap.
type gzipCompressor struct {
	level   int
	options []byte
}

func (c *gzipCompressor) Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := zlib.NewWriterLevel(&out, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (c *gzipCompressor) Options() []byte { return c.options }

func newGzipCompressor(opts map[string]string) (Compressor, error) {
	if err := checkOptKeys(opts, "level", "window"); err != nil {
		return nil, err
	}
	level, err := optInt(opts, "level", zlib.BestCompression, 1, 9)
	if err != nil {
		return nil, err
	}
	window, err := optInt(opts, "window", 15, 8, 15)
	if err != nil {
		return nil, err
	}
	c := &gzipCompressor{level: level}
	if level != zlib.BestCompression || window != 15 {
		opt := make([]byte, 8)
		binary.LittleEndian.PutUint32(opt[0:], uint32(level))
		binary.LittleEndian.PutUint16(opt[4:], uint16(window))
		binary.LittleEndian.PutUint16(opt[6:], 0x01) // default strategy
		c.options = opt
	}
	return c, nil
}

func init() {
	RegisterCompHandler(GZip, &CompHandler{
		New: newGzipCompressor,
		Decompress: MakeDecompressor(func(r io.Reader) (io.ReadCloser, error) {
			return zlib.NewReader(r)
		}),
	})
}
