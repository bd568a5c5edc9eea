package squashfs

import (
	"bytes"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

// Legacy lzma images carry no serialized options block.
type lzmaCompressor struct{}

func (c *lzmaCompressor) Compress(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := lzma.NewWriter(&out)
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

func (c *lzmaCompressor) Options() []byte { return nil }

func init() {
	RegisterCompHandler(LZMA, &CompHandler{
		New: func(opts map[string]string) (Compressor, error) {
			if err := checkOptKeys(opts); err != nil {
				return nil, err
			}
			return &lzmaCompressor{}, nil
		},
		Decompress: MakeDecompressor(func(r io.Reader) (io.ReadCloser, error) {
			rc, err := lzma.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(rc), nil
		}),
	})
}
