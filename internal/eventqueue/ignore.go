package eventqueue

import gitignore "github.com/sabhiram/go-gitignore"

// IgnoreMatcher reports whether a vault-relative path should be dropped at
// admission (spec.md §4.5 admission filter 3).
type IgnoreMatcher interface {
	Ignored(path string) bool
}

// CompiledIgnore wraps compiled gitignore-syntax patterns. Each
// NewCompiledIgnore call compiles its patterns afresh; compiled matchers are
// not cached or shared between calls with the same patterns.
type CompiledIgnore struct {
	matcher *gitignore.GitIgnore
}

// NewCompiledIgnore compiles patterns (one per line, gitignore syntax).
func NewCompiledIgnore(patterns []string) *CompiledIgnore {
	return &CompiledIgnore{matcher: gitignore.CompileIgnoreLines(patterns...)}
}

// Ignored reports whether path matches any compiled pattern.
func (c *CompiledIgnore) Ignored(path string) bool {
	if c == nil || c.matcher == nil {
		return false
	}

	return c.matcher.MatchesPath(path)
}

// NoopIgnore matches nothing, used when no ignore patterns are configured.
type NoopIgnore struct{}

func (NoopIgnore) Ignored(string) bool { return false }
