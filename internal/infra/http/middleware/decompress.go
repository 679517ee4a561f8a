package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/carebridge/gatekeeper/pkg/apierror"
)

// maxCompressionRatio rejects bodies that inflate beyond this factor.
const maxCompressionRatio = 100

var errDecompressedTooLarge = errors.New("decompressed body exceeds limit")

// Decompress inflates gzip and zstd request bodies so admission inspects, and
// the upstream receives, the plaintext. The decompressed size is capped at
// maxBytes and at maxCompressionRatio times the compressed size.
// Unsupported encodings are answered with 415.
func Decompress(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodySize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))
			if encoding == "" || encoding == "identity" || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			requestID := GetRequestID(r.Context())
			if encoding != "gzip" && encoding != "zstd" {
				apierror.New(http.StatusUnsupportedMediaType, "UNSUPPORTED_ENCODING",
					"Unsupported Content-Encoding").WriteJSONWithRequestID(w, requestID)
				return
			}

			body, err := inflate(r.Body, encoding, maxBytes)
			if err != nil {
				if IsBodyLimitError(err) || errors.Is(err, errDecompressedTooLarge) {
					HandleBodyLimitError(w, r)
					return
				}
				apierror.New(http.StatusBadRequest, "INVALID_BODY",
					"Invalid compressed request body").WriteJSONWithRequestID(w, requestID)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			r.Header.Del("Content-Encoding")
			r.Header.Del("Content-Length")

			next.ServeHTTP(w, r)
		})
	}
}

func inflate(body io.ReadCloser, encoding string, maxBytes int64) ([]byte, error) {
	defer body.Close()

	compressed, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read compressed body: %w", err)
	}
	if len(compressed) == 0 {
		return []byte{}, nil
	}

	limit := min(maxBytes, int64(len(compressed))*maxCompressionRatio)

	var reader io.Reader
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gr.Close()
		reader = gr
	case "zstd":
		//nolint:gosec // limit is positive
		zr, err := zstd.NewReader(bytes.NewReader(compressed),
			zstd.WithDecoderMaxMemory(uint64(limit)),
			zstd.WithDecoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		defer zr.Close()
		reader = zr
	}

	out, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if int64(len(out)) > limit {
		return nil, errDecompressedTooLarge
	}
	return out, nil
}
