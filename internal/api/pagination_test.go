package api

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestParseLimit_Defaults(t *testing.T) {
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/test", nil)

	if got := ParseLimit(c, DefaultLimitConfig()); got != 50 {
		t.Errorf("Expected limit=50, got %d", got)
	}
}

func TestParseLimit_Values(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := LimitConfig{DefaultLimit: 20, MaxLimit: 100}
	tests := []struct {
		name     string
		query    string
		expected int
	}{
		{"custom limit", "limit=25", 25},
		{"at max", "limit=100", 100},
		{"capped at max", "limit=1000", 100},
		{"zero limit", "limit=0", 20},
		{"negative limit", "limit=-5", 20},
		{"invalid limit", "limit=abc", 20},
		{"empty limit", "limit=", 20},
		{"overflowing limit", "limit=99999999999999", 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest("GET", "/test?"+tt.query, nil)

			if got := ParseLimit(c, cfg); got != tt.expected {
				t.Errorf("Expected limit=%d, got %d", tt.expected, got)
			}
		})
	}
}

func TestParseInt(t *testing.T) {
	tests := []struct {
		input    string
		def      int
		expected int
	}{
		{"", 7, 7},
		{"42", 7, 42},
		{"-3", 7, 7},
		{"4x", 7, 7},
		{"1234567890", 7, 7},
	}

	for _, tt := range tests {
		if got := parseInt(tt.input, tt.def); got != tt.expected {
			t.Errorf("parseInt(%q, %d) = %d, want %d", tt.input, tt.def, got, tt.expected)
		}
	}
}
