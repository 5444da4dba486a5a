package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"vbcb-bot/urlenc"
)

const formContentType = "application/x-www-form-urlencoded"

// StatusError reports a response with a status other than 200 OK.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Get fetches a page and returns its body decoded from the board charset.
func (s *Session) Get(ctx context.Context, path string) (string, error) {
	body, err := s.send(ctx, http.MethodGet, path, "", "")
	if err != nil {
		return "", err
	}
	return s.decode(body), nil
}

// PostForm posts form fields encoded in the board charset.
func (s *Session) PostForm(ctx context.Context, path string, form urlenc.Form) (string, error) {
	body, err := s.send(ctx, http.MethodPost, path, formContentType, form.Encode(s.charset))
	if err != nil {
		return "", err
	}
	return s.decode(body), nil
}

// PostRaw posts an already encoded form body.
func (s *Session) PostRaw(ctx context.Context, path, encoded string) (string, error) {
	body, err := s.send(ctx, http.MethodPost, path, formContentType, encoded)
	if err != nil {
		return "", err
	}
	return s.decode(body), nil
}

func (s *Session) decode(body []byte) string {
	out, err := s.charset.NewDecoder().Bytes(body)
	if err != nil {
		s.logger.Warn("Failed to decode response body, using raw bytes", "error", err)
		return string(body)
	}
	return string(out)
}

func (s *Session) send(ctx context.Context, method, path, contentType, body string) ([]byte, error) {
	s.httpMu.Lock()
	defer s.httpMu.Unlock()
	return s.sendLocked(ctx, method, path, contentType, body)
}

// sendLocked performs one request. The caller holds httpMu.
func (s *Session) sendLocked(ctx context.Context, method, path, contentType, body string) ([]byte, error) {
	target := s.URL(path)

	var reader io.Reader = http.NoBody
	if method != http.MethodGet {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setBrowserHeaders(req)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		s.logger.Warn("HTTP request failed",
			"method", method,
			"url", target,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	s.logger.Debug("HTTP request completed",
		"method", method,
		"url", target,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(data))

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}
	return data, nil
}

// setBrowserHeaders makes requests look like they come from a desktop browser.
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	// Note: Don't set Accept-Encoding - let Go's http.Client handle compression automatically
	req.Header.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"macOS"`)
	req.Header.Set("Cache-Control", "max-age=0")
}
