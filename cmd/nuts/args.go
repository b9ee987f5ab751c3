package main

import (
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/mattn/go-shellwords"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// splitLine splits a command line into words with shell quoting rules.
// Environment variables and backticks are left alone; an unquoted shell
// operator is rejected rather than silently ending the line.
func splitLine(line string) ([]string, error) {
	p := shellwords.NewParser()
	words, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUnterminatedQuote, err)
	}
	if p.Position >= 0 {
		// Position counts runes.
		return nil, fmt.Errorf("unexpected %q at column %d, quote it to pass it through", []rune(line)[p.Position], p.Position+1)
	}
	if len(words) == 0 {
		return nil, nil
	}
	return words, nil
}

// parseValue reads a YAML literal so that `42`, `true` and `{payload: x}`
// keep their type. Anything that is not valid YAML stays a string.
func parseValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	return v
}
