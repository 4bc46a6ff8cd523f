package edge

import (
	"mime"
	"strings"
)

type contentCategory int

const (
	categoryUser contentCategory = iota // user-specific or unclassifiable
	categoryStatic
	categoryHTML
	categoryAPI
)

// HeadersFor generates the HTTP cache headers for a content type. Static
// assets are immutable for a year, HTML revalidates on a short TTL, API
// payloads cache for five minutes, and anything unclassifiable is treated as
// user-specific and never cached.
func (s *Service) HeadersFor(contentType string) map[string]string {
	switch classifyContent(contentType) {
	case categoryStatic:
		return map[string]string{
			"Cache-Control": "public, max-age=31536000, immutable",
		}
	case categoryHTML:
		return map[string]string{
			"Cache-Control": "public, max-age=60, must-revalidate",
		}
	case categoryAPI:
		return map[string]string{
			"Cache-Control": "public, max-age=300",
		}
	default:
		return map[string]string{
			"Cache-Control": "private, no-cache, no-store, must-revalidate",
			"Pragma":        "no-cache",
			"Expires":       "0",
		}
	}
}

func classifyContent(contentType string) contentCategory {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return categoryUser
	}
	mediaType = strings.ToLower(mediaType)

	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return categoryHTML
	case "application/json", "application/xml", "text/xml", "application/x-ndjson":
		return categoryAPI
	case "text/css", "text/javascript", "application/javascript", "application/wasm":
		return categoryStatic
	}

	for _, prefix := range []string{"image/", "font/", "audio/", "video/"} {
		if strings.HasPrefix(mediaType, prefix) {
			return categoryStatic
		}
	}
	return categoryUser
}
