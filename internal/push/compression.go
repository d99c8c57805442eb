package push

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"
)

// Compression type constants. The Pushgateway only understands gzip
// request bodies.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// compressingDoer compresses outgoing request bodies before handing the
// request to the underlying client.
type compressingDoer struct {
	client    *http.Client
	algorithm string
}

func newCompressingDoer(client *http.Client, algorithm string) *compressingDoer {
	return &compressingDoer{client: client, algorithm: algorithm}
}

func (d *compressingDoer) Do(req *http.Request) (*http.Response, error) {
	if d.algorithm != CompressionGzip || req.Body == nil || req.Body == http.NoBody {
		return d.client.Do(req)
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	_ = req.Body.Close()

	compressed, err := compressGzip(data)
	if err != nil {
		return nil, fmt.Errorf("compressing request body: %w", err)
	}

	req.Body = io.NopCloser(bytes.NewReader(compressed))
	req.ContentLength = int64(len(compressed))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(compressed)), nil
	}
	req.Header.Set("Content-Encoding", "gzip")

	return d.client.Do(req)
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	w := gzip.NewWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}

	return buf.Bytes(), nil
}
