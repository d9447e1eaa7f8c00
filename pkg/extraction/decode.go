package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// output is the document a provider answers an extraction with.
type output struct {
	RawText string
	Items   map[string][]map[string]any
}

var errNoJSON = errors.New("no JSON object in the answer")

// decodeOutput parses a provider answer. Markdown code fences and text
// around the JSON object are tolerated. An items list that isn't keyed by
// category is filed under fallbackCategory.
func decodeOutput(text, fallbackCategory string) (*output, error) {
	body := stripFences(text)
	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end < start {
		return nil, errNoJSON
	}

	var doc struct {
		RawText *string         `json:"raw_text"`
		Items   json.RawMessage `json:"items"`
	}
	dec := json.NewDecoder(strings.NewReader(body[start : end+1]))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if doc.RawText == nil && len(doc.Items) == 0 {
		return nil, errors.New(`the answer has neither "raw_text" nor "items"`)
	}

	out := &output{Items: map[string][]map[string]any{}}
	if doc.RawText != nil {
		out.RawText = *doc.RawText
	}

	items := bytes.TrimSpace(doc.Items)
	switch {
	case len(items) == 0, bytes.Equal(items, []byte("null")):
	case items[0] == '[':
		var list []map[string]any
		if err := json.Unmarshal(items, &list); err != nil {
			return nil, fmt.Errorf(`invalid "items": %w`, err)
		}
		out.Items[fallbackCategory] = list
	default:
		if err := json.Unmarshal(items, &out.Items); err != nil {
			return nil, fmt.Errorf(`"items" must map categories to lists of objects: %w`, err)
		}
	}

	return out, nil
}

// stripFences removes a Markdown code fence around the answer, if any.
func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // language tag
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
