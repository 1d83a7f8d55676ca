package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Pollarr/internal/config"
	"github.com/mescon/Pollarr/internal/reactor"
	"github.com/mescon/Pollarr/internal/services"
)

func (s *RESTServer) listServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.registry.List()})
}

func (s *RESTServer) getService(c *gin.Context) {
	info, ok := s.registry.Get(c.Param("name"))
	if !ok {
		respondNotFound(c, "Service")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *RESTServer) createService(c *gin.Context) {
	var spec config.ServiceSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		respondBadRequest(c, err, false)
		return
	}
	if err := spec.Validate(); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	err := s.registry.Register(spec, true)
	switch {
	case err == nil:
	case errors.Is(err, services.ErrServiceExists):
		respondConflict(c, err)
		return
	case errors.Is(err, reactor.ErrLoopExited):
		respondWithError(c, http.StatusServiceUnavailable, ErrMsgReactorStopped, err)
		return
	default:
		// Probe construction or Start failed; the message names the cause.
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	info, _ := s.registry.Get(spec.Name)
	c.JSON(http.StatusCreated, info)
}

func (s *RESTServer) deleteService(c *gin.Context) {
	err := s.registry.Unregister(c.Param("name"))
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, services.ErrServiceNotFound):
		respondNotFound(c, "Service")
	case errors.Is(err, services.ErrBuiltinService):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		respondWithError(c, http.StatusInternalServerError, ErrMsgInternalError, err)
	}
}

// getServiceHistory returns stored poll events, newest first. Services that
// were removed keep their history, so an unknown name is not an error.
func (s *RESTServer) getServiceHistory(c *gin.Context) {
	name := c.Param("name")
	limit := ParseLimit(c, DefaultLimitConfig())

	events, err := s.store.ServiceHistory(name, limit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	_, registered := s.registry.Get(name)
	c.JSON(http.StatusOK, gin.H{
		"service":    name,
		"registered": registered,
		"limit":      limit,
		"events":     events,
	})
}

func (s *RESTServer) getTimeline(c *gin.Context) {
	r := s.registry.Reactor()
	c.JSON(http.StatusOK, gin.H{
		"state":      reactorStatus(r),
		"started_at": r.StartedAt(),
		"slots":      s.registry.Timeline(),
	})
}

func (s *RESTServer) getRecentEvents(c *gin.Context) {
	events, err := s.store.RecentEvents(ParseLimit(c, DefaultLimitConfig()))
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// reactorStatus adds "stopped" to the reactor's two lifecycle states.
func reactorStatus(r *reactor.Reactor) string {
	select {
	case <-r.Done():
		return "stopped"
	default:
		return r.State().String()
	}
}
