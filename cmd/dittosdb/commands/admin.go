package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marmos91/dittosdb/pkg/server"
)

var adminHTTPClient = &http.Client{Timeout: 30 * time.Second}

// adminCall sends a request to the admin API of a running server and
// decodes the data of a successful response into out, if non-nil.
func adminCall(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, strings.TrimSuffix(adminAddr, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := adminHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable at %s: %w", adminAddr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope struct {
		server.Response
		Data json.RawMessage `json:"data,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("invalid admin response (HTTP %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API: %s (HTTP %d)", envelope.Error, resp.StatusCode)
	}

	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

// originPath builds /{persistence}/{origin} with the origin escaped as a
// single path element.
func originPath(persistence, origin string) string {
	return "/" + url.PathEscape(persistence) + "/" + url.PathEscape(origin)
}
