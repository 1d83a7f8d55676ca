package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Pollarr/internal/logger"
)

// Standard error messages (don't leak internal details)
const (
	ErrMsgDatabaseError      = "Database error"
	ErrMsgInvalidRequest     = "Invalid request"
	ErrMsgServiceUnavailable = "Service unavailable"
	ErrMsgInternalError      = "Internal server error"
	ErrMsgReactorStopped     = "Reactor has stopped"
)

// respondWithError sends a JSON error response and logs the actual error
func respondWithError(c *gin.Context, status int, publicMsg string, err error) {
	if err != nil {
		logger.Debugf("%s: %v", publicMsg, err)
	}
	c.JSON(status, gin.H{"error": publicMsg})
}

func respondDatabaseError(c *gin.Context, err error) {
	respondWithError(c, http.StatusInternalServerError, ErrMsgDatabaseError, err)
}

// respondBadRequest optionally exposes err. Use exposeError only for
// validation errors that are safe to show.
func respondBadRequest(c *gin.Context, err error, exposeError bool) {
	if exposeError && err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondWithError(c, http.StatusBadRequest, ErrMsgInvalidRequest, err)
}

func respondNotFound(c *gin.Context, resource string) {
	c.JSON(http.StatusNotFound, gin.H{"error": resource + " not found"})
}

func respondConflict(c *gin.Context, err error) {
	c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
}

func respondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": service + " not available"})
}
