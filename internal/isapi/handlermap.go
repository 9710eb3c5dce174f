package isapi

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/isapigw/config"
)

// HandlerMap assigns handler names to request paths by glob.
type HandlerMap struct {
	rules []config.HandlerConfig
}

// NewHandlerMap keeps rules in order; the first match wins.
func NewHandlerMap(rules []config.HandlerConfig) *HandlerMap {
	return &HandlerMap{rules: rules}
}

// Match returns the handler for scriptName, or "" when no rule matches.
// Matching is case-insensitive on the path relative to the URL root.
func (h *HandlerMap) Match(scriptName string) string {
	name := strings.ToLower(strings.TrimPrefix(scriptName, "/"))
	for _, rule := range h.rules {
		ok, err := doublestar.Match(strings.ToLower(rule.Pattern), name)
		if err == nil && ok {
			return rule.Handler
		}
	}
	return ""
}
