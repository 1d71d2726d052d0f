package prompt

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/miradorstack/mirador-investigator/internal/models"
)

const maxResultChars = 2000

// Extractor returns the prompt contribution of a paragraph, or "" to contribute nothing.
type Extractor func(p models.Paragraph) string

// Registry maps effective paragraph types to extractors.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// DefaultRegistry returns a registry with extractors for markdown, PPL, SQL and finding paragraphs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.ParagraphTypeMarkdown, MarkdownExtractor)
	r.Register(models.ParagraphTypePPL, QueryExtractor("PPL"))
	r.Register(models.ParagraphTypeSQL, QueryExtractor("SQL"))
	r.Register(models.ParagraphTypeFinding, FindingExtractor)
	return r
}

// Register binds fn to paragraphType, replacing any previous binding.
func (r *Registry) Register(paragraphType string, fn Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[strings.ToUpper(paragraphType)] = fn
}

// Lookup returns the extractor bound to paragraphType.
func (r *Registry) Lookup(paragraphType string) (Extractor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.extractors[strings.ToUpper(paragraphType)]
	return fn, ok && fn != nil
}

// EffectiveType resolves the type a paragraph is treated as. Finding paragraphs keep their
// declared type; otherwise an interpreter directive at the start of the text wins over the
// declared input type.
func EffectiveType(p models.Paragraph) string {
	declared := strings.ToUpper(strings.TrimSpace(p.Input.InputType))
	if declared == models.ParagraphTypeFinding {
		return declared
	}
	switch directive(p.Input.InputText) {
	case "%md":
		return models.ParagraphTypeMarkdown
	case "%ppl":
		return models.ParagraphTypePPL
	case "%sql":
		return models.ParagraphTypeSQL
	}
	return declared
}

// StripDirective removes a leading %md, %ppl or %sql directive from text.
func StripDirective(text string) string {
	trimmed := strings.TrimSpace(text)
	if d := directive(trimmed); d != "" {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, d))
	}
	return trimmed
}

func directive(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, d := range []string{"%md", "%ppl", "%sql"} {
		if !strings.HasPrefix(trimmed, d) {
			continue
		}
		rest := trimmed[len(d):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\n' || rest[0] == '\t' || rest[0] == '\r' {
			return d
		}
	}
	return ""
}

// MarkdownExtractor contributes the note text.
func MarkdownExtractor(p models.Paragraph) string {
	text := StripDirective(p.Input.InputText)
	if text == "" {
		return ""
	}
	return "Analyst Note:\n" + text
}

// FindingExtractor contributes a previously materialised finding.
func FindingExtractor(p models.Paragraph) string {
	text := StripDirective(p.Input.InputText)
	if text == "" {
		return ""
	}
	return "Finding:\n" + text
}

// QueryExtractor contributes a query and, when the paragraph has run, a truncated result.
func QueryExtractor(language string) Extractor {
	return func(p models.Paragraph) string {
		query := StripDirective(p.Input.InputText)
		if query == "" {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%s Query: %s", language, query)
		if len(p.Output) > 0 {
			if result := strings.TrimSpace(p.Output[0].Result); result != "" {
				fmt.Fprintf(&b, "\n%s Result: %s", language, truncate(result, maxResultChars))
			}
		}
		return b.String()
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
