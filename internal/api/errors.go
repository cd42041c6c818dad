package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/khryptorgraphics/orchestrall/internal/api/apply"
)

// errorResponse is the API's failure body: a top-level message plus,
// for validation failures, the violations array callers use to fix
// their request.
type errorResponse struct {
	Error      string            `json:"error"`
	Violations []apply.Violation `json:"violations,omitempty"`
	Causes     []string          `json:"error_causes,omitempty"`
}

// writeError classifies err against the taxonomy and writes the
// matching HTTP status and body.
func writeError(c *gin.Context, err error) {
	var verr *apply.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Violations: verr.Violations})
		return
	}
	var unsupported *apply.ErrUnsupportedKind
	if errors.As(err, &unsupported) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: unsupported.Error()})
		return
	}
	if errors.Is(err, errNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if errors.Is(err, errIllegalTransition) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

var errNotFound = errors.New("not found")
var errIllegalTransition = errors.New("illegal action transition")
