package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBody bounds the size of a request body the server will read.
const maxBody = 1 << 20 // 1 MiB

// ReadBody reads r's body under a size cap, returning the raw bytes for the
// pipeline to decode and validate. The HTTP boundary never parses the body
// itself — shape and policy checks are the pipeline's job.
func ReadBody(r *http.Request) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, maxBody)
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, fmt.Errorf("request body too large (max 1 MiB)")
		}
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	return raw, nil
}
