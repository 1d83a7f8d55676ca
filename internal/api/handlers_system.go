package api

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Pollarr/internal/auth"
	"github.com/mescon/Pollarr/internal/logger"
)

func (s *RESTServer) triggerBackup(c *gin.Context) {
	if s.backups == nil {
		respondServiceUnavailable(c, "Backups")
		return
	}
	path, err := s.backups.RunBackup()
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, "Backup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": filepath.Base(path)})
}

// rotateAPIKey replaces the API key. The new key is returned once and only
// its hash is kept.
func (s *RESTServer) rotateAPIKey(c *gin.Context) {
	key, hash, err := auth.RotateAPIKey(s.store)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	s.keys.SetHash(hash)
	logger.Infof("API key rotated")
	c.JSON(http.StatusOK, gin.H{"api_key": key})
}
