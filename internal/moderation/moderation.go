package moderation

import "strings"

// defaultDenylist is the fixed set of unsafe prompt terms. A deliberately
// crude case-insensitive substring match, not a classifier.
var defaultDenylist = []string{
	"nude",
	"naked",
	"nsfw",
	"porn",
	"sexual",
	"explicit",
	"gore",
	"blood",
	"violence",
	"weapon",
	"drug",
	"terror",
	"child abuse",
	"hate",
}

// Checker rejects prompts containing denylisted terms.
type Checker struct {
	denylist []string
}

// NewChecker wires a Checker. An empty term list falls back to the default
// denylist.
func NewChecker(terms []string) *Checker {
	if len(terms) == 0 {
		terms = defaultDenylist
	}
	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		trimmed := strings.ToLower(strings.TrimSpace(term))
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return &Checker{denylist: normalized}
}

// Reject returns the matched term and true when the prompt hits the denylist.
func (checker *Checker) Reject(prompt string) (string, bool) {
	lowered := strings.ToLower(prompt)
	for _, term := range checker.denylist {
		if strings.Contains(lowered, term) {
			return term, true
		}
	}
	return "", false
}
