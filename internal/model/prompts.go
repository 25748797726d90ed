package model

import "strings"

// Template names keyed into the prompt registry (spec §4.A: "a single
// registry of prompt strings keyed by template name").
const (
	TemplateSingleSummary        = "smart_note.summary"
	TemplateKeywordExtraction    = "smart_note.keywords"
	TemplatePerNoteSummary       = "multi_note.per_note"
	TemplateComprehensiveSummary = "multi_note.comprehensive"
	TemplateSingleNoteSummary    = "multi_note.single"
	TemplateCorrection           = "shared.correction"
	TemplateTagGeneration        = "shared.tag_generation"
)

// defaultPrompts mirrors original_source's prompt constants
// (app/services/smart_note_service.py / tag_generation_service.py),
// translated into Go string literals rather than Python f-strings.
var defaultPrompts = map[string]string{
	TemplateSingleSummary: "Summarize the following note into a title, " +
		"topic, and markdown body. Keep the summary faithful to the " +
		"source; do not invent facts.\n\nNote:\n{text}",
	TemplateKeywordExtraction: "Extract up to 8 salient keywords from " +
		"the following summary, one per line, most important first.\n\n" +
		"Summary:\n{text}",
	TemplatePerNoteSummary: "Summarize note {index} of {total} into a " +
		"short markdown paragraph capturing its core point.\n\nNote:\n{text}",
	TemplateComprehensiveSummary: "Combine the following per-note " +
		"summaries into one comprehensive title, topic, and markdown " +
		"body that captures the shared themes across all notes.\n\n" +
		"Summaries:\n{text}",
	TemplateSingleNoteSummary: "Summarize the following notes, already " +
		"concatenated, into a title, topic, and markdown body.\n\n{text}",
	TemplateCorrection: "Correct spelling, grammar, and OCR artifacts in " +
		"the following text without changing its meaning.\n\nText:\n{text}",
	TemplateTagGeneration: "Given the summary below and this list of " +
		"existing tags: {existing_tags}\n\nChoose existing tags that " +
		"apply and, only if none fit, propose new ones. Prefer reusing " +
		"an existing name over minting a near-duplicate.\n\nSummary:\n{text}",
}

// PromptRegistry resolves a template name to a literal-substituted
// prompt string. Construct it with NewPromptRegistry, which seeds it
// with defaultPrompts; the zero value holds no templates and is not
// usable. Override lets callers (tests, alternate deployments) replace
// individual templates.
type PromptRegistry struct {
	templates map[string]string
}

// NewPromptRegistry constructs a registry seeded with the default
// templates.
func NewPromptRegistry() *PromptRegistry {
	templates := make(map[string]string, len(defaultPrompts))
	for k, v := range defaultPrompts {
		templates[k] = v
	}
	return &PromptRegistry{templates: templates}
}

// Override replaces the template registered under name.
func (r *PromptRegistry) Override(name, template string) {
	r.templates[name] = template
}

// Render substitutes literal {placeholder} occurrences in the named
// template with the provided values. No escaping is performed; per
// spec §4.A the caller is responsible for sanitizing inputs.
func (r *PromptRegistry) Render(name string, values map[string]string) string {
	template := r.templates[name]
	for key, value := range values {
		template = strings.ReplaceAll(template, "{"+key+"}", value)
	}
	return template
}
