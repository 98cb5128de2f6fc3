package httpserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tinytelemetry/logtt/internal/model"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrDuplicateName),
		errors.Is(err, model.ErrAlreadyRunning),
		errors.Is(err, model.ErrJobActive):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSourceUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidFilter),
		errors.Is(err, model.ErrInvalidSource),
		errors.Is(err, model.ErrInvalidFormat),
		errors.Is(err, model.ErrUnknownFormat),
		errors.Is(err, model.ErrUnknownAlgorithm):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}
