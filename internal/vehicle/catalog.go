// Package vehicle implements stepwise, catalogue-validated vehicle collection.
package vehicle

import (
	"context"
	"strings"
)

// Catalog is the reference lookup each vehicle step is validated against.
// Returned names are canonical spellings.
type Catalog interface {
	Makes(ctx context.Context, year int) ([]string, error)
	Models(ctx context.Context, year int, makeName string) ([]string, error)
	Trims(ctx context.Context, year int, makeName, model string) ([]string, error)
}

// matchOption finds value among options ignoring case, spaces and hyphens,
// so "f150" matches "F-150" and "crv" matches "CR-V".
func matchOption(options []string, value string) (string, bool) {
	want := squash(value)
	if want == "" {
		return "", false
	}
	for _, opt := range options {
		if squash(opt) == want {
			return opt, true
		}
	}
	return "", false
}

func squash(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}
