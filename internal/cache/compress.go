package cache

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// compress returns the flate-compressed form of b. It is the
// deterministic reversible transform the cache's compression contract
// requires; the format itself is opaque to callers.
func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("cache: new flate writer: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("cache: flate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cache: flate close: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cache: flate read: %w", err)
	}
	return out, nil
}
