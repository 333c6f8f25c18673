package media

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad client input: unknown type, bad quality, bad name.
	ErrValidation = errors.New("invalid request")

	// ErrEmptyPayload is returned for uploads without content.
	ErrEmptyPayload = fmt.Errorf("%w: empty payload", ErrValidation)

	ErrNotFound     = errors.New("not found")
	ErrProcessing   = errors.New("processing failed")
	ErrStorageWrite = errors.New("storage write failed")
	ErrStorageRead  = errors.New("storage read failed")
)
