package expressions

import (
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// maxCachedPrograms bounds each engine's cache. Await sites use a fixed set
// of expressions, so hitting the bound means callers are building expressions
// dynamically; the cache is then reset rather than grown.
const maxCachedPrograms = 512

// programCache memoizes compiled expressions by source text. It is safe for
// concurrent use.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

// get returns the compiled program for expression, compiling it on a miss.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[expression]; ok {
		return prg, nil
	}

	prg, err := compile(expression)
	if err != nil {
		return prg, err
	}
	if len(c.programs) >= maxCachedPrograms {
		c.programs = make(map[string]P)
	}
	c.programs[expression] = prg
	return prg, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// compileError reports an expression that does not parse or type-check.
func compileError(language, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"%s expression %q does not compile: %s", language, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": language})
}

// evalError reports an expression that failed while running.
func evalError(language, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution,
		"%s expression %q failed: %s", language, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": language})
}

func emptyExpression(language string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", language)
}
