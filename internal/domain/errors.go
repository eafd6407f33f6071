package domain

import (
	"errors"

	apperrors "e2ee-keyserver/pkg/errors"
)

// Storage-level sentinels shared by repositories and services
var (
	ErrNotFound    = errors.New("record not found")
	ErrKeyMismatch = errors.New("key id already exists with different key material")
	ErrConflict    = errors.New("concurrent modification")
)

// FailureFrom renders err as a batch failure entry. Causes of internal
// errors are not exposed.
func FailureFrom(err error) Failure {
	appErr := apperrors.GetAppError(err)
	return Failure{Code: string(appErr.Code), Message: appErr.Message}
}
