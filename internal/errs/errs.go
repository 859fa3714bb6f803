package errs

import (
	"errors"
	"fmt"
)

// Kind classifies fatal tailer errors
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindArg
	KindBookmarks
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindArg:
		return "ArgError"
	case KindBookmarks:
		return "BookmarksError"
	default:
		return "Error"
	}
}

// Error is a classified error. The process reports it as "Kind: message".
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config returns a configuration error
func Config(format string, args ...any) error {
	return &Error{Kind: KindConfig, Err: fmt.Errorf(format, args...)}
}

// Arg returns a command-line argument error
func Arg(format string, args ...any) error {
	return &Error{Kind: KindArg, Err: fmt.Errorf(format, args...)}
}

// Bookmarks returns a persisted bookmarks error
func Bookmarks(format string, args ...any) error {
	return &Error{Kind: KindBookmarks, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Format renders err the way it is shown to the user on exit
func Format(err error) string {
	return fmt.Sprintf("%s: %s", KindOf(err), err.Error())
}
