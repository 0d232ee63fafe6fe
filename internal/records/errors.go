package records

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/schema"
)

// Code categorizes Record Store failures.
type Code string

const (
	// CodeValidation indicates missing or malformed input.
	CodeValidation Code = "VALIDATION"

	// CodeDuplicate indicates a uniqueness rule rejected a create.
	CodeDuplicate Code = "DUPLICATE"

	// CodeNotFound indicates no row exists at the given id.
	CodeNotFound Code = "NOT_FOUND"

	// CodeStorage indicates the underlying persistence failed.
	CodeStorage Code = "STORAGE"
)

// Error is returned by every Record Store operation. Callers branch on Code
// or use the IsXxx helpers, which see through wrapping.
type Error struct {
	Code       Code
	Op         string
	Collection schema.Collection
	Message    string

	// Details carries structured context, e.g. the rule and existing id of
	// a duplicate.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Collection != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Code, e.Op, e.Collection, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsDuplicate reports whether err is a uniqueness violation.
func IsDuplicate(err error) bool { return hasCode(err, CodeDuplicate) }

// IsNotFound reports whether err is a missing-row failure.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsStorage reports whether err is a persistence failure.
func IsStorage(err error) bool { return hasCode(err, CodeStorage) }

func hasCode(err error, code Code) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

func validationError(op string, c schema.Collection, msg string, cause error) *Error {
	return &Error{Code: CodeValidation, Op: op, Collection: c, Message: msg, Err: cause}
}

func storageError(op string, c schema.Collection, cause error) *Error {
	return &Error{Code: CodeStorage, Op: op, Collection: c, Err: cause}
}

func notFoundError(op string, c schema.Collection, id int64, cause error) *Error {
	return &Error{
		Code:       CodeNotFound,
		Op:         op,
		Collection: c,
		Message:    fmt.Sprintf("no record with id %d", id),
		Details:    map[string]string{"id": fmt.Sprintf("%d", id)},
		Err:        cause,
	}
}

func duplicateError(c schema.Collection, rule, value string, existingID int64) *Error {
	return &Error{
		Code:       CodeDuplicate,
		Op:         "create",
		Collection: c,
		Message:    fmt.Sprintf("%s %q already used by record %d", rule, value, existingID),
		Details: map[string]string{
			"rule":        rule,
			"value":       value,
			"existing_id": fmt.Sprintf("%d", existingID),
		},
	}
}
