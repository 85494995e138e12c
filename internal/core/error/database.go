package errx

import (
	"errors"
	"net/http"

	"gorm.io/gorm"
)

// WrapDB maps gorm errors to AppError.
func WrapDB(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return New(err, http.StatusNotFound, DatabaseNotFoundMessage)
	}

	return New(err, http.StatusInternalServerError, DatabaseErrorMessage)
}
