package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/keyrotate/pkg/keystore"
	"github.com/nimburion/keyrotate/pkg/rotation"
)

const (
	codeNotFound  = "not_found"
	codeInvalid   = "invalid_request"
	codeConflict  = "conflict"
	codeInternal  = "internal_error"
	codeNoProxy   = "no_proxy_available"
	codeOwnership = "ownership_conflict"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: c.GetString(requestIDKey),
	}})
}

// respondError maps domain errors to HTTP statuses. Unclassified errors are
// logged and reported without their message.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		writeError(c, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, keystore.ErrInvalidKey):
		writeError(c, http.StatusBadRequest, codeInvalid, err.Error())
	case errors.Is(err, keystore.ErrConflict):
		writeError(c, http.StatusConflict, codeConflict, err.Error())
	case errors.Is(err, rotation.ErrOwnershipConflict):
		writeError(c, http.StatusConflict, codeOwnership, err.Error())
	default:
		h.log.WithContext(c.Request.Context()).Error("request failed",
			"method", c.Request.Method, "route", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}
