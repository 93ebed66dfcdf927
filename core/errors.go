package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput           = "ENTITY_BAD_INPUT"
	ErrorConfiguration      = "ENTITY_CONFIGURATION"
	ErrorNotFound           = "ENTITY_NOT_FOUND"
	ErrorInvalidIdentity    = "ENTITY_INVALID_IDENTITY"
	ErrorConcurrencyDenied  = "ENTITY_CONCURRENCY_DENIED"
	ErrorUnknownDelta       = "CHANGELOG_UNKNOWN_DELTA"
	ErrorChangeLogLimit     = "CHANGELOG_LIMIT_EXCEEDED"
	ErrorCheckpointConflict = "CHECKPOINT_CONFLICT"
	ErrorInternal           = "ENTITY_INTERNAL_ERROR"
)

var (
	ErrLocatorTrackingDisabled = errors.New("core: write-ahead log locator tracking is disabled")
	ErrLogTruncated            = errors.New("core: write-ahead log segment was reclaimed")
	ErrCheckpointConflict      = errors.New("core: checkpoint advance conflict")
)

func NewConfigurationError(message string) *goerrors.Error {
	return newEntityError(message, goerrors.CategoryValidation, ErrorConfiguration)
}

func NewNotFoundError(message string) *goerrors.Error {
	return newEntityError(message, goerrors.CategoryNotFound, ErrorNotFound)
}

func NewInvalidIdentityError(id EntityID, reason string) *goerrors.Error {
	return newEntityError(
		fmt.Sprintf("core: invalid entity id %q: %s", string(id), reason),
		goerrors.CategoryBadInput,
		ErrorInvalidIdentity,
	)
}

func NewConcurrencyDeniedError(locator RecordLocator, cause error) *goerrors.Error {
	message := fmt.Sprintf("core: concurrent modification of %s denied", locator)
	if cause != nil {
		return ensureEntityErrorEnvelope(
			goerrors.Wrap(cause, goerrors.CategoryConflict, message).
				WithTextCode(ErrorConcurrencyDenied),
		)
	}
	return newEntityError(message, goerrors.CategoryConflict, ErrorConcurrencyDenied)
}

func NewUnknownDeltaError(marker LogMarker, cause error) *goerrors.Error {
	message := fmt.Sprintf("core: changes since marker %s are unknown", marker)
	if cause == nil {
		return newEntityError(message, goerrors.CategoryOperation, ErrorUnknownDelta)
	}
	return ensureEntityErrorEnvelope(
		goerrors.Wrap(cause, goerrors.CategoryOperation, message).
			WithTextCode(ErrorUnknownDelta),
	)
}

func NewChangeLogLimitError(limit int) *goerrors.Error {
	return newEntityError(
		fmt.Sprintf("core: change log result exceeds limit of %d records", limit),
		goerrors.CategoryOperation,
		ErrorChangeLogLimit,
	)
}

func NewBadInputError(message string) *goerrors.Error {
	return newEntityError(message, goerrors.CategoryBadInput, ErrorBadInput)
}

func IsConfigurationError(err error) bool { return hasTextCode(err, ErrorConfiguration) }

func IsBadInput(err error) bool { return hasTextCode(err, ErrorBadInput) }

func IsNotFound(err error) bool { return hasTextCode(err, ErrorNotFound) }

func IsInvalidIdentity(err error) bool { return hasTextCode(err, ErrorInvalidIdentity) }

func IsConcurrencyDenied(err error) bool { return hasTextCode(err, ErrorConcurrencyDenied) }

func IsUnknownDelta(err error) bool { return hasTextCode(err, ErrorUnknownDelta) }

func IsChangeLogLimitExceeded(err error) bool { return hasTextCode(err, ErrorChangeLogLimit) }

func hasTextCode(err error, code string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == code
}

func entityErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureEntityErrorEnvelope(richErr)
	}
	if errors.Is(err, ErrCheckpointConflict) {
		return newEntityError(err.Error(), goerrors.CategoryConflict, ErrorCheckpointConflict)
	}
	if errors.Is(err, ErrLocatorTrackingDisabled) || errors.Is(err, ErrLogTruncated) {
		return newEntityError(err.Error(), goerrors.CategoryOperation, ErrorUnknownDelta)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newEntityError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newEntityError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureEntityErrorEnvelope(mapped)
}

func newEntityError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureEntityErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureEntityErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = entityHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultEntityTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultEntityTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return ErrorBadInput
	case goerrors.CategoryValidation:
		return ErrorConfiguration
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorConcurrencyDenied
	default:
		return ErrorInternal
	}
}

func entityHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryOperation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
