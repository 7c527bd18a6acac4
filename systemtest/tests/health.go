package tests

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestHealthCheck(t *testing.T, router *gin.Engine) {
	rr := doJSON(router, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T, router *gin.Engine) {
	rr := doJSON(router, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "invocation_count")
}
