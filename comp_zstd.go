package squashfs

import (
	"encoding/binary"

	"github.com/klauspost/compress/zstd"
)

type zstdCompressor struct {
	enc     *zstd.Encoder
	options []byte
}

func (c *zstdCompressor) Compress(buf []byte) ([]byte, error) {
	// EncodeAll is safe for concurrent use on a shared encoder.
	return c.enc.EncodeAll(buf, nil), nil
}

func (c *zstdCompressor) Options() []byte { return c.options }

func newZstdCompressor(opts map[string]string) (Compressor, error) {
	if err := checkOptKeys(opts, "level"); err != nil {
		return nil, err
	}
	level, err := optInt(opts, "level", 15, 1, 22)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	c := &zstdCompressor{enc: enc}
	if level != 15 {
		opt := make([]byte, 4)
		binary.LittleEndian.PutUint32(opt, uint32(level))
		c.options = opt
	}
	return c, nil
}

func zstdDecompress(buf []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(buf, nil)
}

func init() {
	RegisterCompHandler(ZSTD, &CompHandler{
		New:        newZstdCompressor,
		Decompress: zstdDecompress,
	})
}
