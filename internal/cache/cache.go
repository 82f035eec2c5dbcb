// ABOUTME: Attachment download cache shared by all connectors
// ABOUTME: Downloads a URL into a per-hub directory, renamed by MIME suffix

package cache

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Dir returns the cache directory for a hub: <cwd>/cache/<hub>.
func Dir(hubName string) string {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return filepath.Join(cwd, "cache", hubName)
}

// Download fetches url into dir under filename, creating dir as needed.
// The filename gains a suffix derived from the response Content-Type when
// it does not already carry one. Extra headers (e.g. bearer auth for Slack
// private downloads) are sent with the request. Returns the local path.
func Download(client *http.Client, url, dir, filename string, header http.Header) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("building download request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("downloading %s: unexpected status %d", url, resp.StatusCode)
	}

	// Filenames incorporate remote-supplied names; Base keeps a crafted
	// name with path separators from escaping dir.
	path := filepath.Join(dir, withSuffix(filepath.Base(filename), resp.Header.Get("Content-Type")))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating cache file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("writing cache file: %w", err)
	}

	return path, nil
}

// withSuffix appends the extension implied by contentType unless the
// filename already ends with it. "image/png" maps to ".png".
func withSuffix(filename, contentType string) string {
	if contentType == "" {
		return filename
	}
	// Strip any parameters: "image/png; charset=binary" -> "image/png"
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	i := strings.IndexByte(contentType, '/')
	if i < 0 || i == len(contentType)-1 {
		return filename
	}
	suffix := "." + strings.TrimSpace(contentType[i+1:])
	if strings.HasSuffix(filename, suffix) {
		return filename
	}
	return filename + suffix
}
