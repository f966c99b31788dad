package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Error kinds assigned to captured application errors.
const (
	KindTypeError       = "TypeError"
	KindReferenceError  = "ReferenceError"
	KindRangeError      = "RangeError"
	KindValidationError = "ValidationError"
	KindNetworkError    = "NetworkError"
	KindTimeoutError    = "TimeoutError"
	KindCanceledError   = "CanceledError"
	KindDatabaseError   = "DatabaseError"
	KindError           = "Error"
)

// Kinded is implemented by errors that know their own kind.
type Kinded interface {
	Kind() string
}

// Classifier maps an error to a kind. It returns false when it does not recognize err.
type Classifier func(err error) (string, bool)

// ValidationError reports invalid input to a data-access or business operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Kind implements Kinded.
func (e *ValidationError) Kind() string { return KindValidationError }

// KindOf classifies err into an error kind. Extra classifiers run before the built-in rules.
func KindOf(err error, extra ...Classifier) string {
	if err == nil {
		return ""
	}

	var kinded Kinded
	if As(err, &kinded) {
		if k := kinded.Kind(); k != "" {
			return k
		}
	}

	for _, classify := range extra {
		if classify == nil {
			continue
		}
		if k, ok := classify(err); ok {
			return k
		}
	}

	switch {
	case Is(err, context.DeadlineExceeded), Is(err, os.ErrDeadlineExceeded):
		return KindTimeoutError
	case Is(err, context.Canceled):
		return KindCanceledError
	}

	var netErr net.Error
	if As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeoutError
		}
		return KindNetworkError
	}

	var typeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	if As(err, &typeErr) || As(err, &numErr) {
		return KindTypeError
	}

	var rtErr runtime.Error
	if As(err, &rtErr) {
		msg := rtErr.Error()
		switch {
		case strings.Contains(msg, "nil pointer"), strings.Contains(msg, "nil map"):
			return KindReferenceError
		case strings.Contains(msg, "out of range"):
			return KindRangeError
		case strings.Contains(msg, "interface conversion"):
			return KindTypeError
		}
	}

	return typeName(err)
}

// typeName derives a kind from the concrete Go type of err.
func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	switch name {
	case "", "errorString", "wrapError", "wrapErrors", "joinError":
		return KindError
	}
	if name[0] >= 'a' && name[0] <= 'z' {
		name = strings.ToUpper(name[:1]) + name[1:]
	}
	return name
}
