// Package auth decides which chat identities may drive the dispatcher.
package auth

import "strings"

// Gate is an immutable allow-list of operator identifiers. The zero value
// admits nobody.
type Gate struct {
	allowed map[string]struct{}
}

// NewGate builds a gate from ids. Blank entries are ignored and surrounding
// whitespace is trimmed.
func NewGate(ids []string) *Gate {
	g := &Gate{allowed: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		g.allowed[id] = struct{}{}
	}
	return g
}

// Allowed reports whether operator may interact with the dispatcher.
func (g *Gate) Allowed(operator string) bool {
	if g == nil || operator == "" {
		return false
	}
	_, ok := g.allowed[operator]
	return ok
}

func (g *Gate) Len() int {
	if g == nil {
		return 0
	}
	return len(g.allowed)
}
