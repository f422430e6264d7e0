// Package fault defines the error taxonomy shared across the dispatch
// pipeline, plus helpers to project any error into a wire-safe structure
// with enough diagnostic detail for developer consumption.
package fault

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"runtime/debug"
)

// AuthenticationError reports explicitly presented credentials that the
// identity authority rejected.
type AuthenticationError struct {
	Message string
	Args    []any
}

func (e *AuthenticationError) Error() string { return e.Message }

// SessionExpiredError reports a missing, invalid, or stale session for an
// operation that requires one.
type SessionExpiredError struct {
	Message string
	Args    []any
}

func (e *SessionExpiredError) Error() string { return e.Message }

// AccessDeniedError is an authorization failure raised by the data layer.
type AccessDeniedError struct {
	Message string
	Args    []any
}

func (e *AccessDeniedError) Error() string { return e.Message }

// AccessError is a data-layer access failure distinct from an outright
// denial (e.g. a record the user may not read).
type AccessError struct {
	Message string
	Args    []any
}

func (e *AccessError) Error() string { return e.Message }

// BusinessWarning is an expected, user-facing domain validation failure.
// Clients render its message directly instead of a traceback.
type BusinessWarning struct {
	Message string
	Args    []any
}

func (e *BusinessWarning) Error() string { return e.Message }

// HTTPStatusError is a transport-level condition that must pass through the
// protocol adapters unmodified and be rendered as its status code.
type HTTPStatusError struct {
	Status      int
	Description string
}

func (e *HTTPStatusError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Description)
}

// NotFound builds the 404 passthrough error.
func NotFound(description string) *HTTPStatusError {
	return &HTTPStatusError{Status: http.StatusNotFound, Description: description}
}

// MethodNotAllowed builds the 405 passthrough error.
func MethodNotAllowed(description string) *HTTPStatusError {
	return &HTTPStatusError{Status: http.StatusMethodNotAllowed, Description: description}
}

// AsHTTPStatus unwraps err into a transport-level passthrough error, if any.
func AsHTTPStatus(err error) (*HTTPStatusError, bool) {
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// Tag returns the short machine-readable exception_type tag for the closed
// set of domain error kinds, or "" for everything else.
func Tag(err error) string {
	var (
		bw *BusinessWarning
		ad *AccessDeniedError
		ae *AccessError
	)
	switch {
	case errors.As(err, &bw):
		return "warning"
	case errors.As(err, &ad):
		return "access_denied"
	case errors.As(err, &ae):
		return "access_error"
	}
	return ""
}

// Serialize projects err into the structured error payload carried in the
// `data` field of wire errors: fully-qualified kind name, a diagnostic
// trace, the human-readable message, and a JSON-safe projection of the
// error's structured arguments. Known domain kinds additionally carry an
// exception_type tag.
func Serialize(err error) map[string]any {
	data := map[string]any{
		"name":      kindName(err),
		"debug":     err.Error() + "\n\n" + string(debug.Stack()),
		"message":   err.Error(),
		"arguments": ToJSONable(arguments(err)),
	}
	if tag := Tag(err); tag != "" {
		data["exception_type"] = tag
	}
	return data
}

func kindName(err error) string {
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.PkgPath() == "" {
		return fmt.Sprintf("%T", err)
	}
	return t.PkgPath() + "." + t.Name()
}

func arguments(err error) []any {
	var (
		au *AuthenticationError
		se *SessionExpiredError
		bw *BusinessWarning
		ad *AccessDeniedError
		ae *AccessError
	)
	switch {
	case errors.As(err, &au):
		return au.Args
	case errors.As(err, &se):
		return se.Args
	case errors.As(err, &bw):
		return bw.Args
	case errors.As(err, &ad):
		return ad.Args
	case errors.As(err, &ae):
		return ae.Args
	}
	return []any{err.Error()}
}

// ToJSONable recursively converts v into a value that encodes cleanly as
// JSON, stringifying anything without a natural JSON representation.
func ToJSONable(v any) any {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return t
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = ToJSONable(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprintf("%v", iter.Key().Interface())] = ToJSONable(iter.Value().Interface())
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return ToJSONable(rv.Elem().Interface())
	}
	return fmt.Sprintf("%v", v)
}
