// Package handler implements the HTTP endpoints of the booking API.
package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/booking-notifications/internal/model"
)

// writeError maps domain errors onto status codes.  Storage and unexpected
// errors are logged and reported as 500 without details.
func writeError(c echo.Context, log *zap.Logger, err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
	case errors.Is(err, model.ErrForbidden):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden"})
	case errors.Is(err, model.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, model.ErrVersionConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "booking was modified concurrently, retry"})
	}
	var pe *model.PersistenceError
	if errors.As(err, &pe) {
		log.Error("storage failure", zap.String("op", pe.Op), zap.Error(pe.Err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "database error"})
	}
	log.Error("request failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
