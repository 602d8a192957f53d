package api

import (
	"errors"
	"net/http"

	"github.com/Domenick1991/ridedispatch/internal/domain"
	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

var statusByCode = map[domain.ErrorCode]int{
	domain.CodeValidation:        http.StatusBadRequest,
	domain.CodeNotEligible:       http.StatusUnprocessableEntity,
	domain.CodeAlreadyAccepted:   http.StatusConflict,
	domain.CodeInvalidTransition: http.StatusConflict,
	domain.CodeExpired:           http.StatusGone,
	domain.CodeNotFound:          http.StatusNotFound,
	domain.CodeForbidden:         http.StatusForbidden,
}

// respondError writes dispatch errors with their code; anything else is a 500 and is
// attached to the context for the request logger.
func respondError(c *gin.Context, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		status, ok := statusByCode[de.Code]
		if !ok {
			status = http.StatusBadRequest
		}
		c.JSON(status, errorBody{Error: string(de.Code), Reason: de.Reason, Message: de.Message})
		return
	}
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, errorBody{Error: "INTERNAL", Message: "internal error"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody{Error: string(domain.CodeValidation), Message: err.Error()})
}
