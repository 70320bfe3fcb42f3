package archive

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// SanitizePolicy selects how free text is treated before persisting.
type SanitizePolicy string

const (
	SanitizeNone SanitizePolicy = "none"
	SanitizeMask SanitizePolicy = "mask"
)

// ParseSanitizePolicy validates a policy name. Empty means none.
func ParseSanitizePolicy(s string) (SanitizePolicy, error) {
	switch p := SanitizePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case SanitizeNone, SanitizeMask:
		return p, nil
	case "":
		return SanitizeNone, nil
	}
	return "", fmt.Errorf("unknown sanitize policy %q", s)
}

var (
	emailShape = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneShape = regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\b\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`)
)

const (
	emailMask = "[email]"
	phoneMask = "[phone]"
)

// maskText replaces email- and phone-shaped substrings. Best effort only.
func maskText(s string) string {
	s = emailShape.ReplaceAllString(s, emailMask)
	return phoneShape.ReplaceAllString(s, phoneMask)
}

// sanitizer applies a policy to a record copy.
type sanitizer struct {
	policy SanitizePolicy
}

func (z sanitizer) text(s string) string {
	if z.policy != SanitizeMask {
		return s
	}
	return maskText(s)
}

// raw masks every string value inside a JSON document. Documents that fail to
// decode are returned unchanged.
func (z sanitizer) raw(data json.RawMessage) json.RawMessage {
	if z.policy != SanitizeMask || len(data) == 0 {
		return data
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, err := json.Marshal(z.walk(v))
	if err != nil {
		return data
	}
	return out
}

func (z sanitizer) walk(v any) any {
	switch t := v.(type) {
	case string:
		return z.text(t)
	case map[string]any:
		for k, child := range t {
			t[k] = z.walk(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = z.walk(child)
		}
		return t
	}
	return v
}

// apply sanitizes event payloads and snapshot history content in place. rec
// must be a copy owned by the caller.
func (z sanitizer) apply(rec *Record) {
	if z.policy != SanitizeMask {
		return
	}
	for i := range rec.Events {
		rec.Events[i].Data = z.raw(rec.Events[i].Data)
	}
	for i := range rec.HistorySnapshots {
		h := rec.HistorySnapshots[i].History
		for j := range h {
			h[j].Content = z.text(h[j].Content)
		}
	}
}
