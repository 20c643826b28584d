//go:build zstd

package ndtiff

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zstd"
)

func init() {
	RegisterCompressionCodec(CompressionZstd, &CompressionCodec{
		Compress: func(buf []byte) ([]byte, error) {
			var out bytes.Buffer
			w, err := zstd.NewWriter(&out)
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
		},
		Decompress: func(buf []byte) ([]byte, error) {
			r, err := zstd.NewReader(bytes.NewReader(buf))
			if err != nil {
				return nil, err
			}
			defer r.Close()
			return io.ReadAll(r)
		},
	})
}
