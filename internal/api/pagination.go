package api

import (
	"github.com/gin-gonic/gin"
)

// LimitConfig bounds the limit query parameter of list endpoints.
type LimitConfig struct {
	DefaultLimit int
	MaxLimit     int
}

// DefaultLimitConfig is used by the history and event endpoints.
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{DefaultLimit: 50, MaxLimit: 500}
}

// ParseLimit reads ?limit=. Missing, malformed or non-positive values fall
// back to the default; values above the maximum are clamped.
func ParseLimit(c *gin.Context, cfg LimitConfig) int {
	raw, ok := c.GetQuery("limit")
	if !ok {
		return cfg.DefaultLimit
	}
	limit := parseInt(raw, cfg.DefaultLimit)
	if limit < 1 {
		return cfg.DefaultLimit
	}
	if limit > cfg.MaxLimit {
		return cfg.MaxLimit
	}
	return limit
}

// parseInt safely parses a string to int with a default value
func parseInt(s string, defaultVal int) int {
	if s == "" || len(s) > 9 {
		return defaultVal
	}
	var result int
	for _, c := range s {
		if c < '0' || c > '9' {
			return defaultVal
		}
		result = result*10 + int(c-'0')
	}
	return result
}
