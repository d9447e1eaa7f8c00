package extraction

import (
	"embed"
	"fmt"
	"strings"
	"sync"

	"github.com/instill-ai/extraction-backend/pkg/template"
)

//go:embed prompt/*.md
var promptFS embed.FS

var (
	promptCache     map[string]string
	promptCacheOnce sync.Once
)

const (
	promptSystemInstruction = "system_instruction"
	promptExtract           = "extract"
	promptRepair            = "repair"

	// maxRepairEcho bounds how much of a malformed answer is sent back to
	// the provider.
	maxRepairEcho = 8000
)

// loadPrompts loads all prompt templates from embedded files
func loadPrompts() {
	promptCacheOnce.Do(func() {
		promptCache = make(map[string]string)
		for _, key := range []string{promptSystemInstruction, promptExtract, promptRepair} {
			content, err := promptFS.ReadFile("prompt/" + key + ".md")
			if err != nil {
				panic(fmt.Sprintf("loading prompt %s: %v", key, err))
			}
			promptCache[key] = strings.TrimSpace(string(content))
		}
	})
}

func getPrompt(key string) string {
	loadPrompts()
	return promptCache[key]
}

func systemInstruction() string {
	return getPrompt(promptSystemInstruction)
}

// extractionPrompt builds the request of an extraction. An empty inline
// document means the document is attached to the request.
func extractionPrompt(tmpl *template.Template, category, fileName, inline string) string {
	categories := "use the category names that best describe the items, in snake_case."
	if category != "" && category != "auto" && tmpl.Category != "generic" {
		categories = fmt.Sprintf("report every item under %q.", tmpl.Category)
	}

	requested := category
	if requested == "" || requested == "auto" {
		requested = "products and services"
	}

	document := fmt.Sprintf("The document %q is attached.", fileName)
	if inline != "" {
		document = fmt.Sprintf("Document %q:\n<document>\n%s\n</document>", fileName, inline)
	}

	return strings.NewReplacer(
		"{{category}}", requested,
		"{{industry}}", tmpl.Industry,
		"{{description}}", tmpl.Description,
		"{{embedding_field}}", tmpl.EmbeddingField,
		"{{categories}}", categories,
		"{{schema}}", tmpl.ResponseSchema(),
		"{{document}}", document,
	).Replace(getPrompt(promptExtract))
}

// repairPrompt asks a provider to fix an answer that couldn't be decoded.
func repairPrompt(request, previous string, decodeErr error) string {
	if len(previous) > maxRepairEcho {
		previous = previous[:maxRepairEcho] + "\n[...]"
	}
	return strings.NewReplacer(
		"{{error}}", decodeErr.Error(),
		"{{previous}}", previous,
		"{{request}}", request,
	).Replace(getPrompt(promptRepair))
}
