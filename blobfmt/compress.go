package blobfmt

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v3"

	"github.com/bobstore/bob/cmn"
)

// CompressValue frames value with LZ4, for records written with
// RecordFlagCompressed set.
func CompressValue(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, cmn.NewStorage("lz4 compress: " + err.Error())
	}
	if err := w.Close(); err != nil {
		return nil, cmn.NewStorage("lz4 compress: " + err.Error())
	}
	return buf.Bytes(), nil
}

// DecompressValue reverses CompressValue.
func DecompressValue(framed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(framed))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, cmn.NewStorage("lz4 decompress: " + err.Error())
	}
	return out, nil
}
