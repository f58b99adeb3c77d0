// Package fault classifies failures by the boundary that recovers them.
package fault

import (
	"errors"
	"fmt"
)

const (
	CategoryPlugin              = "plugin_fault"
	CategoryMetadataUnavailable = "metadata_unavailable"
	CategoryRegistryLoad        = "registry_load"
	CategoryTransport           = "transport"
	CategorySupervisor          = "supervisor"
)

// Error is a categorized failure. Err, when set, is the underlying cause.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	switch {
	case e.Detail == "" && e.Err == nil:
		return e.Category
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Category, e.Detail)
	case e.Detail == "":
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Detail, e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a categorized error without a cause.
func New(category string, detail string) error {
	return &Error{Category: category, Detail: detail}
}

// Wrap categorizes err. A nil err stays nil.
func Wrap(category string, detail string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Detail: detail, Err: err}
}

// Category returns the outermost category of err, or "" for plain errors.
func Category(err error) string {
	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}
	return ""
}

// Is reports whether err carries the given category.
func Is(err error, category string) bool {
	return err != nil && Category(err) == category
}

// PanicError carries a recovered panic value and the stack at recovery.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
