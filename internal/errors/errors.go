// Package errors provides enhanced errors with component, category and
// structured context, plus re-exports of the standard library helpers so
// callers only need a single errors import.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Category classifies an error for logging, telemetry and HTTP mapping.
type Category string

const (
	CategoryGeneric       Category = "generic"
	CategoryValidation    Category = "validation"
	CategoryNotFound      Category = "not-found"
	CategoryConflict      Category = "conflict"
	CategoryDatabase      Category = "database"
	CategoryNetwork       Category = "network"
	CategoryConfiguration Category = "configuration"
	CategorySystem        Category = "system"
)

// EnhancedError wraps an underlying error with metadata.
type EnhancedError struct {
	Err       error
	component string
	category  Category
	context   map[string]any
}

// Error returns the wrapped error's message.
func (e *EnhancedError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *EnhancedError) Unwrap() error {
	return e.Err
}

// Component returns the component that produced the error.
func (e *EnhancedError) Component() string {
	return e.component
}

// Category returns the error category.
func (e *EnhancedError) Category() Category {
	return e.category
}

// Context returns a copy of the structured context.
func (e *EnhancedError) Context() map[string]any {
	out := make(map[string]any, len(e.context))
	maps.Copy(out, e.context)
	return out
}

// Detail renders the error with its component, category and context keys,
// suitable for log lines and telemetry messages.
func (e *EnhancedError) Detail() string {
	var b strings.Builder
	if e.component != "" {
		b.WriteString(e.component)
		b.WriteString(": ")
	}
	b.WriteString(e.Error())
	if len(e.context) > 0 {
		keys := make([]string, 0, len(e.context))
		for k := range e.context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.context[k])
		}
		b.WriteString("]")
	}
	return b.String()
}

// Builder assembles an EnhancedError.
type Builder struct {
	err *EnhancedError
}

// New starts a builder wrapping err.
func New(err error) *Builder {
	return &Builder{err: &EnhancedError{Err: err, category: CategoryGeneric}}
}

// Newf starts a builder for a new formatted error.
func Newf(format string, args ...any) *Builder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the originating component.
func (b *Builder) Component(component string) *Builder {
	b.err.component = component
	return b
}

// Category sets the error category.
func (b *Builder) Category(category Category) *Builder {
	b.err.category = category
	return b
}

// Context attaches a key/value pair.
func (b *Builder) Context(key string, value any) *Builder {
	if b.err.context == nil {
		b.err.context = make(map[string]any)
	}
	b.err.context[key] = value
	return b
}

// Build returns the assembled error.
func (b *Builder) Build() error {
	return b.err
}

// CategoryOf returns the category of the first EnhancedError in the chain,
// or CategoryGeneric if there is none.
func CategoryOf(err error) Category {
	var ee *EnhancedError
	if As(err, &ee) {
		return ee.category
	}
	return CategoryGeneric
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, category Category) bool {
	return err != nil && CategoryOf(err) == category
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return stderrors.Join(errs...) }

// Unwrap returns the result of calling Unwrap on err.
func Unwrap(err error) error { return stderrors.Unwrap(err) }

// NewStd creates a plain error with the given text, for sentinel values.
func NewStd(text string) error { return stderrors.New(text) }
