package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// Options captures the header filtering configuration. Only headers are
// available while scanning a label, so there are no body patterns.
type Options struct {
	IncludeHeader []string
	ExcludeHeader []string
}

// Filter holds compiled regex patterns deciding which messages belong in the archive.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}

	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{include: include, exclude: exclude}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (len(f.include) > 0 || len(f.exclude) > 0)
}

// Allows returns true if the header block passes the filter criteria.
// A nil Filter allows everything.
func (f *Filter) Allows(header []byte) bool {
	if !f.Active() {
		return true
	}

	text := string(header)
	if len(f.include) > 0 {
		return matchAny(f.include, text)
	}
	return !matchAny(f.exclude, text)
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
