// Package probe resolves a URL to a stable RemoteFileInfo: post-redirect
// URL, size (or "unknown"), filename, range support, and content type.
//
// Grounded on original_source/turbodl/functions.go:fetch_file_info (HEAD
// request, Content-Disposition parsing, URL-path fallback) and the range
// probe fallback described in the design notes for servers that reject HEAD.
package probe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// ErrInvalidURL is wrapped into the error Probe returns when rawURL is
// malformed or uses an unsupported scheme, letting callers classify the
// failure as non-retryable without string matching.
var ErrInvalidURL = errors.New("probe: invalid or unsupported URL")

// StatusError reports a non-2xx/206 status from either the HEAD probe or
// the ranged-GET fallback, carrying the status code so callers can apply
// the retryable-status table from the design notes.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("probe: unexpected status %d", e.Status)
}

// Info is the stable content plan the rest of the engine consumes.
type Info struct {
	URL            string // post-redirect, absolute
	Size           int64  // -1 means unknown
	Filename       string
	ContentType    string
	SupportsRanges bool
	ETag           string
	LastModified   string
}

// SizeKnown reports whether Size carries a real value rather than the
// "unknown" sentinel.
func (i Info) SizeKnown() bool { return i.Size >= 0 }

const unknownSize = -1

// Probe performs the HEAD-then-ranged-GET discovery described in the
// design notes. headers are merged over the client's defaults by the
// caller; Probe does not set its own headers beyond Range.
func Probe(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) (Info, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	info, err := headProbe(ctx, client, rawURL, headers)
	if err == nil && (info.SizeKnown() || info.Filename != "") {
		return info, nil
	}

	// HEAD failed (transport error or non-2xx status); fall back to a ranged
	// GET that we close immediately after reading headers. A 2xx HEAD is
	// always used as is: buildInfo always derives a filename, so a HEAD
	// response without size headers does not trigger the fallback.
	return rangeProbe(ctx, client, rawURL, headers)
}

func headProbe(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return Info{}, err
	}
	applyHeaders(req, headers)

	resp, err := client.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Info{}, &StatusError{Status: resp.StatusCode}
	}

	return buildInfo(resp, rawURL), nil
}

func rangeProbe(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Info{}, err
	}
	applyHeaders(req, headers)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := client.Do(req)
	if err != nil {
		return Info{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return Info{}, &StatusError{Status: resp.StatusCode}
	}

	info := buildInfo(resp, rawURL)
	// Content-Length here describes only the partial body; the Content-Range
	// total, when present, is the size of the whole resource.
	if total := parseContentRangeTotal(resp.Header.Get("Content-Range")); total >= 0 {
		info.Size = total
	}
	if resp.StatusCode == http.StatusPartialContent {
		info.SupportsRanges = true
	}
	return info, nil
}

func buildInfo(resp *http.Response, requestedURL string) Info {
	finalURL := requestedURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	size := int64(unknownSize)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			size = n
		}
	}

	supportsRanges := strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")

	filename := filenameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		filename = filenameFromURL(finalURL)
	}
	if filename == "" {
		filename = fallbackFilename(finalURL)
	}

	return Info{
		URL:            finalURL,
		Size:           size,
		Filename:       filename,
		ContentType:    strings.TrimSpace(strings.SplitN(resp.Header.Get("Content-Type"), ";", 2)[0]),
		SupportsRanges: supportsRanges,
		ETag:           resp.Header.Get("ETag"),
		LastModified:   resp.Header.Get("Last-Modified"),
	}
}

// filenameFromContentDisposition implements RFC 6266 filename/filename*
// extraction, preferring the UTF-8 extended form.
func filenameFromContentDisposition(cd string) string {
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		// mime.ParseMediaType is strict about the disposition type token;
		// fall back to a permissive scan for filename*= / filename=.
		return permissiveContentDisposition(cd)
	}
	if v, ok := params["filename*"]; ok && v != "" {
		return decodeExtValue(v)
	}
	if v, ok := params["filename"]; ok {
		return v
	}
	return ""
}

func permissiveContentDisposition(cd string) string {
	lower := strings.ToLower(cd)
	if idx := strings.Index(lower, "filename*="); idx >= 0 {
		v := cd[idx+len("filename*="):]
		v = strings.TrimSpace(strings.Split(v, ";")[0])
		return decodeExtValue(v)
	}
	if idx := strings.Index(lower, "filename="); idx >= 0 {
		v := cd[idx+len("filename="):]
		v = strings.TrimSpace(strings.Split(v, ";")[0])
		return strings.Trim(v, `"'`)
	}
	return ""
}

// decodeExtValue decodes the ext-value form charset'lang'value (RFC 5987):
// UTF-8 (or an empty charset) is kept as is, any other charset is decoded as
// Latin-1, and the undecoded value is returned if percent-decoding fails.
func decodeExtValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return strings.Trim(v, `"`)
	}
	charset, _, encoded := strings.ToLower(parts[0]), parts[1], parts[2]
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return encoded
	}
	if charset != "" && charset != "utf-8" {
		// Latin-1 fallback: each byte is the Unicode code point of the same
		// value, re-encoded here as UTF-8.
		runes := make([]rune, len(decoded))
		for i := 0; i < len(decoded); i++ {
			runes[i] = rune(decoded[i])
		}
		return string(runes)
	}
	return decoded
}

func filenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	decoded, err := url.PathUnescape(parsed.Path)
	if err != nil {
		decoded = parsed.Path
	}
	base := path.Base(decoded)
	if base == "" || base == "." || base == "/" {
		return ""
	}
	return base
}

func fallbackFilename(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "download_" + hex.EncodeToString(sum[:])[:8]
}

func parseContentRangeTotal(cr string) int64 {
	if cr == "" {
		return unknownSize
	}
	idx := strings.LastIndex(cr, "/")
	if idx == -1 || idx == len(cr)-1 {
		return unknownSize
	}
	total := cr[idx+1:]
	if total == "*" {
		return unknownSize
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return unknownSize
	}
	return n
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
