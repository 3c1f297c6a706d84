package tweetwatch

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// maxResponseBytes caps how much of an API response body is read.
const maxResponseBytes = 4 << 20

func initHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// decodeResponse unmarshals a JSON payload into dest, which must be a
// pointer.
func decodeResponse(payload io.Reader, dest interface{}) error {
	d := json.NewDecoder(io.LimitReader(payload, maxResponseBytes))
	if err := d.Decode(dest); err != nil {
		return errors.Wrap(err, "error decoding JSON body")
	}
	return nil
}

// bodySnippet returns the start of an error response for use in messages.
func bodySnippet(payload io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(payload, 512))
	return string(bytes.TrimSpace(b))
}
