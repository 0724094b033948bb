package icecast

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

var errNoPlaylistEntry = errors.New("no stream URL found in playlist")

// parsePLS returns the first FileN= entry of a PLS playlist.
func parsePLS(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "File") {
			continue
		}
		if _, v, ok := strings.Cut(line, "="); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errNoPlaylistEntry
}

// parseM3U returns the first http(s) entry of an M3U playlist.
func parseM3U(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if isHTTP(line) {
			return line, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errNoPlaylistEntry
}

func isHTTP(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ResolvePlaylist returns the stream URL behind u. Stream URLs are returned
// unchanged; PLS and M3U playlists resolve to their first entry.
func ResolvePlaylist(ctx context.Context, client *http.Client, u string) (string, error) {
	lower := strings.ToLower(u)
	if !strings.HasSuffix(lower, ".pls") && !strings.HasSuffix(lower, ".m3u") && !strings.HasSuffix(lower, ".m3u8") {
		return u, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", listenerUserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "failed to fetch playlist")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", errors.Wrap(err, "failed to read playlist")
	}
	content := string(body)
	contentType := resp.Header.Get("Content-Type")

	switch {
	case strings.Contains(contentType, "scpls"),
		strings.Contains(contentType, "pls+xml"),
		strings.HasSuffix(lower, ".pls"),
		strings.Contains(content, "[playlist]"):
		return parsePLS(strings.NewReader(content))
	default:
		return parseM3U(strings.NewReader(content))
	}
}
