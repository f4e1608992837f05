package rbac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Sentinels let callers match a category with errors.Is without caring about details.
var (
	ErrValidation       = errors.New("rbac: validation failed")
	ErrNotFound         = errors.New("rbac: not found")
	ErrConflict         = errors.New("rbac: conflict")
	ErrLimitExceeded    = errors.New("rbac: limit exceeded")
	ErrInvalidState     = errors.New("rbac: invalid state transition")
	ErrStoreUnavailable = errors.New("rbac: store unavailable")
	ErrEngineClosed     = errors.New("rbac: engine closed")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown permission, role, assignment or policy.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports cycles, conflicting permissions, duplicates and referenced deletions.
type ConflictError struct {
	Entity string
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %s: %s", e.Entity, e.ID, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// LimitExceededError reports a breached quota or cardinality limit.
type LimitExceededError struct {
	Limit string
	Max   int
	Got   int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit %s exceeded: %d > %d", e.Limit, e.Got, e.Max)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }

// StateError reports an illegal assignment state transition.
type StateError struct {
	AssignmentID string
	From         AssignmentStatus
	Event        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("assignment %s: no transition from %s on %s", e.AssignmentID, e.From, e.Event)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// StoreUnavailableError wraps a failure of the durable store, cache or quota backend.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	if e.Err == nil {
		return "store unavailable: " + e.Op
	}
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func IsValidationError(err error) bool       { return errors.Is(err, ErrValidation) }
func IsNotFoundError(err error) bool         { return errors.Is(err, ErrNotFound) }
func IsConflictError(err error) bool         { return errors.Is(err, ErrConflict) }
func IsLimitExceededError(err error) bool    { return errors.Is(err, ErrLimitExceeded) }
func IsStateError(err error) bool            { return errors.Is(err, ErrInvalidState) }
func IsStoreUnavailableError(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var sue *StoreUnavailableError
	if errors.As(err, &sue) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs tag validation and folds failures into ValidationErrors.
func validateStruct(v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Message: err.Error()}
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, &ValidationError{
			Field:   strings.ToLower(fe.Field()),
			Message: fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param()),
		})
	}
	return errors.Join(errs...)
}
