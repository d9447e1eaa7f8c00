package router

import (
	"mime"
	"path"
	"strings"

	"github.com/instill-ai/extraction-backend/pkg/types"
)

var (
	// DefaultTextOrder favours the text provider for media that can be
	// inlined into a prompt.
	DefaultTextOrder = []types.ProviderID{types.ProviderOpenAI, types.ProviderGemini}
	// DefaultVisionOrder favours the multimodal provider for images and
	// binary documents.
	DefaultVisionOrder = []types.ProviderID{types.ProviderGemini, types.ProviderOpenAI}
)

var textMIMETypes = map[string]bool{
	"application/json":     true,
	"application/xml":      true,
	"application/x-ndjson": true,
	"application/csv":      true,
	"application/x-yaml":   true,
	"application/yaml":     true,
}

// extensionTypes completes the platform MIME table for the formats
// customers upload most.
var extensionTypes = map[string]string{
	".csv":  "text/csv",
	".md":   "text/markdown",
	".txt":  "text/plain",
	".json": "application/json",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".heic": "image/heic",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
}

// Router selects the ordered list of providers to try for a media type.
// It holds no mutable state.
type Router struct {
	text   []types.ProviderID
	vision []types.ProviderID
}

// NewRouter returns a router with the given orders. An empty order falls
// back to the default one.
func NewRouter(textOrder, visionOrder []types.ProviderID) *Router {
	r := &Router{
		text:   append([]types.ProviderID(nil), textOrder...),
		vision: append([]types.ProviderID(nil), visionOrder...),
	}
	if len(r.text) == 0 {
		r.text = append(r.text, DefaultTextOrder...)
	}
	if len(r.vision) == 0 {
		r.vision = append(r.vision, DefaultVisionOrder...)
	}
	return r
}

// ParseOrder converts configured provider names into an order, dropping
// unknown names and duplicates.
func ParseOrder(names []string) []types.ProviderID {
	seen := map[types.ProviderID]bool{}
	var order []types.ProviderID
	for _, n := range names {
		id := types.ProviderID(strings.ToLower(strings.TrimSpace(n)))
		if id != types.ProviderGemini && id != types.ProviderOpenAI {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		order = append(order, id)
	}
	return order
}

// SelectProviders returns the providers to try, in order, for mimeType. The
// result is never empty and callers may modify it.
func (r *Router) SelectProviders(mimeType string) []types.ProviderID {
	if IsTextMedia(mimeType) {
		return append([]types.ProviderID(nil), r.text...)
	}
	return append([]types.ProviderID(nil), r.vision...)
}

// NormalizeMIME lowercases a media type and strips its parameters.
func NormalizeMIME(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt, _, _ = strings.Cut(mimeType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsTextMedia reports whether content of mimeType can be inlined in a
// prompt as text.
func IsTextMedia(mimeType string) bool {
	mt := NormalizeMIME(mimeType)
	if strings.HasPrefix(mt, "text/") {
		return true
	}
	return textMIMETypes[mt]
}

// DetectMIME guesses the media type of a file from its name. It returns an
// empty string when the extension is unknown.
func DetectMIME(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if ext == "" {
		return ""
	}
	if mt, ok := extensionTypes[ext]; ok {
		return mt
	}
	return NormalizeMIME(mime.TypeByExtension(ext))
}
