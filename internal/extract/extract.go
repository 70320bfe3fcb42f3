// Package extract turns dialogue turns into partial application patches using
// a prioritized catalogue of lexical rules. Extraction is best effort: a turn
// with no recognizable field yields an empty patch, never an error.
package extract

import (
	"strings"

	"github.com/ashureev/quotevoice/internal/domain"
)

// Engine evaluates a rule catalogue against dialogue text.
type Engine struct {
	rules []Rule
}

// New creates an engine over rules, evaluated in order.
func New(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

var defaultEngine = New(DefaultRules())

// Default returns the engine built from DefaultRules.
func Default() *Engine {
	return defaultEngine
}

// Match returns the patch for one turn together with the fields it set, in
// catalogue order.
func (e *Engine) Match(text string, role domain.Role) (domain.Application, []string) {
	var patch domain.Application
	text = strings.TrimSpace(text)
	if text == "" {
		return patch, nil
	}

	var fields []string
	for _, r := range e.rules {
		if !r.allows(role) {
			continue
		}
		if r.apply(text, &patch) {
			fields = append(fields, r.Field)
		}
	}
	return patch, fields
}

// Extract returns the patch for one turn.
func (e *Engine) Extract(text string, role domain.Role) domain.Application {
	patch, _ := e.Match(text, role)
	return patch
}

// Accumulate folds one turn into prior and returns the merged application.
// prior is not modified. The merge is advisory, so validated vehicle records
// in prior always survive.
func (e *Engine) Accumulate(prior domain.Application, text string, role domain.Role) domain.Application {
	out := prior.Clone()
	out.MergeAdvisory(e.Extract(text, role))
	return out
}

// Extract runs the default catalogue.
func Extract(text string, role domain.Role) domain.Application {
	return defaultEngine.Extract(text, role)
}

// Accumulate runs the default catalogue as a reducer.
func Accumulate(prior domain.Application, text string, role domain.Role) domain.Application {
	return defaultEngine.Accumulate(prior, text, role)
}
