package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Resolver asks the upstream resource endpoint for a short-lived playable URL
// for a media reference. Only the contract matters here: give a ref, get back
// a URL; the endpoint itself is an external collaborator.
type Resolver struct {
	Endpoint   string
	Referer    string
	Cookie     string
	HTTPClient *http.Client
}

func (r *Resolver) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// HeaderString renders the resolver's access headers in the CRLF form ffmpeg
// expects for its -headers argument. Empty when no headers are configured.
func (r *Resolver) HeaderString() string {
	var b strings.Builder
	if referer := strings.TrimSpace(r.Referer); referer != "" {
		fmt.Fprintf(&b, "Referer: %s\r\n", referer)
	}
	if cookie := strings.TrimSpace(r.Cookie); cookie != "" {
		fmt.Fprintf(&b, "Cookie: %s\r\n", cookie)
	}
	return b.String()
}

// ResolveDownloadURL fetches the playable URL for ref. The endpoint replies
// with either a JSON-encoded string or a raw URL body; escaped slashes are
// unescaped and the result must be an absolute http(s) URL.
func (r *Resolver) ResolveDownloadURL(ctx context.Context, ref string) (string, error) {
	endpoint := strings.TrimSpace(r.Endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("resource resolver endpoint is not configured")
	}
	requestURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse resolver endpoint: %w", err)
	}
	query := requestURL.Query()
	query.Set("ref", ref)
	query.Set("ext", "mp4")
	query.Set("m", "ajax")
	requestURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build resolver request: %w", err)
	}
	if referer := strings.TrimSpace(r.Referer); referer != "" {
		req.Header.Set("Referer", referer)
	}
	if cookie := strings.TrimSpace(r.Cookie); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve media url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("resolve media url: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read resolver response: %w", err)
	}

	payload := strings.TrimSpace(string(body))
	var decoded string
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		decoded = payload
	}
	decoded = strings.ReplaceAll(decoded, `\/`, "/")

	if !strings.HasPrefix(decoded, "http") {
		return "", fmt.Errorf("unexpected resolver response for ref %q", ref)
	}
	return decoded, nil
}
