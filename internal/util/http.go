package util

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// DownloadFile executes a pre-built HTTP request and returns the body bytes.
// The caller is responsible for creating the request, including its context.
func DownloadFile(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do request for %s: %w", req.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		limitReader := io.LimitReader(resp.Body, 512)
		bodyBytes, _ := io.ReadAll(limitReader)
		return nil, fmt.Errorf("bad status '%s' fetching %s: %s", resp.Status, req.URL.String(), string(bodyBytes))
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading body from %s: %w", req.URL.String(), err)
	}
	return bodyBytes, nil
}

// DefaultHTTPClient creates an http.Client with a timeout suitable for
// multi-hundred-MB archive downloads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}
