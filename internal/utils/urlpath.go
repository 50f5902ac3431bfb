package utils

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/vfaronov/httpheader"
)

// FilenameFromURL returns the last path segment of rawURL, unescaped.
// Example: https://example.com/a/b/file%20x.zip?x=1 -> "file x.zip"
func FilenameFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(parsed.Path)
	if base == "/" || base == "." {
		return ""
	}
	return SanitizeFilename(base)
}

// DetermineFilename picks a file name for a response: Content-Disposition
// first, then the URL path, then fallback.
func DetermineFilename(rawURL string, header http.Header, fallback string) string {
	if header != nil {
		if _, name, _ := httpheader.ContentDisposition(header); name != "" {
			if clean := SanitizeFilename(name); clean != "" {
				return clean
			}
		}
	}
	if name := FilenameFromURL(rawURL); name != "" {
		return name
	}
	return fallback
}

// SanitizeFilename strips directory components and characters that are unsafe
// on common filesystems.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
