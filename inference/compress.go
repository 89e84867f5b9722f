package inference

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/YuminosukeSato/dfanalytics/core/jsonwriter"
	"github.com/YuminosukeSato/dfanalytics/pkg/errors"
)

const (
	// CompressedModelTag is the key of compressed model chunk documents.
	CompressedModelTag = "compressed_inference_model"

	// DefaultChunkSize is the largest base64 chunk written per document.
	DefaultChunkSize = 100000
)

// CompressedChunk is one part of the base64 encoded gzip stream of a
// definition. The last chunk has EOS set.
type CompressedChunk struct {
	Definition string `json:"definition"`
	DocNum     int    `json:"doc_num"`
	EOS        bool   `json:"eos,omitempty"`
}

// JSONCompressed returns the definition JSON gzipped and base64 encoded.
func (d *Definition) JSONCompressed() ([]byte, error) {
	raw, err := d.JSON()
	if err != nil {
		return nil, err
	}
	return Compress(raw)
}

// Compress gzips raw and base64 encodes the result.
func Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	encoder := base64.NewEncoder(base64.StdEncoding, &buf)
	zw, err := gzip.NewWriterLevel(encoder, gzip.BestCompression)
	if err != nil {
		return nil, errors.Wrap(err, "inference: create gzip writer")
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.Wrap(err, "inference: compress definition")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "inference: close gzip writer")
	}
	if err := encoder.Close(); err != nil {
		return nil, errors.Wrap(err, "inference: close base64 encoder")
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	decoder := base64.NewDecoder(base64.StdEncoding, bytes.NewReader(compressed))
	zr, err := gzip.NewReader(decoder)
	if err != nil {
		return nil, errors.Wrap(err, "inference: open gzip stream")
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "inference: decompress definition")
	}
	return raw, nil
}

// Chunks splits the compressed definition into documents of at most chunkSize
// characters. A non-positive chunkSize uses DefaultChunkSize.
func (d *Definition) Chunks(chunkSize int) ([]CompressedChunk, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	compressed, err := d.JSONCompressed()
	if err != nil {
		return nil, err
	}
	var chunks []CompressedChunk
	for start := 0; start < len(compressed) || len(chunks) == 0; start += chunkSize {
		end := min(start+chunkSize, len(compressed))
		chunks = append(chunks, CompressedChunk{Definition: string(compressed[start:end]), DocNum: len(chunks)})
	}
	chunks[len(chunks)-1].EOS = true
	return chunks, nil
}

// WriteCompressed writes the compressed definition as compressed_inference_model
// documents.
func (d *Definition) WriteCompressed(w *jsonwriter.LineWriter, chunkSize int) error {
	chunks, err := d.Chunks(chunkSize)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := w.WriteObject(CompressedModelTag, chunk); err != nil {
			return err
		}
	}
	return nil
}

// JoinChunks concatenates chunks in doc_num order and decompresses them.
func JoinChunks(chunks []CompressedChunk) ([]byte, error) {
	var compressed bytes.Buffer
	for i, chunk := range chunks {
		if chunk.DocNum != i {
			return nil, errors.Newf("inference: expected chunk %d, got %d", i, chunk.DocNum)
		}
		compressed.WriteString(chunk.Definition)
	}
	if len(chunks) == 0 || !chunks[len(chunks)-1].EOS {
		return nil, errors.New("inference: compressed definition is incomplete")
	}
	return Decompress(compressed.Bytes())
}
