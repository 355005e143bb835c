package httpapi

import (
	"errors"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/storage"
)

func storageError(err error, resource string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(resource)
	}
	return apperr.Upstream("load "+resource, err)
}
