package squashfs

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ulikunitz/xz"
)

type xzCompressor struct {
	dictSize uint32
	options  []byte
}

func (c *xzCompressor) Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	cfg := xz.WriterConfig{DictCap: int(c.dictSize)}
	w, err := cfg.NewWriter(&out)
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

func (c *xzCompressor) Options() []byte { return c.options }

func newXzCompressor(opts map[string]string) (Compressor, error) {
	if err := checkOptKeys(opts, "dictsize"); err != nil {
		return nil, err
	}
	dict, err := optInt(opts, "dictsize", 0, 8192, 1<<30)
	if err != nil {
		return nil, err
	}
	c := &xzCompressor{dictSize: 8 << 20}
	if dict != 0 {
		c.dictSize = uint32(dict)
		opt := make([]byte, 8)
		binary.LittleEndian.PutUint32(opt[0:], c.dictSize)
		binary.LittleEndian.PutUint32(opt[4:], 0) // no extra filters
		c.options = opt
	}
	return c, nil
}

func init() {
	RegisterCompHandler(XZ, &CompHandler{
		New: newXzCompressor,
		Decompress: MakeDecompressor(func(r io.Reader) (io.ReadCloser, error) {
			rc, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(rc), nil
		}),
	})
}
