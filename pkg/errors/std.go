package errors

import stderr "errors"

// Re-exports of the standard library helpers so callers need a single errors import.

func Is(err, target error) bool { return stderr.Is(err, target) }

func As(err error, target interface{}) bool { return stderr.As(err, target) }

func New(text string) error { return stderr.New(text) }

func Join(errs ...error) error { return stderr.Join(errs...) }
