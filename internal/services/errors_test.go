package services_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseproof/pulseproof/internal/services"
)

type boundRequest struct {
	Name  string `json:"name" binding:"required"`
	Count int    `json:"count" binding:"omitempty,min=1"`
}

func newErrorRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(services.ErrorHandlerMiddleware())

	router.POST("/bind", func(c *gin.Context) {
		req := &boundRequest{}
		if err := c.ShouldBindJSON(req); err != nil {
			c.Error(err)
			c.Abort()
			return
		}
		c.JSON(http.StatusOK, req)
	})
	router.GET("/missing", func(c *gin.Context) {
		c.Error(services.NewErrNotFound("widget"))
		c.Abort()
	})
	router.GET("/boom", func(c *gin.Context) {
		c.Error(services.NewErrInternalServer(errors.New("redis gone")))
		c.Abort()
	})
	return router
}

func TestErrorHandler_ValidationErrors(t *testing.T) {
	router := newErrorRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/bind", strings.NewReader(`{"count": 0}`))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "name is required")
}

func TestErrorHandler_InvalidJSON(t *testing.T) {
	router := newErrorRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/bind", strings.NewReader(`{broken`))
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid JSON")
}

func TestErrorHandler_ErrorResponsePassthrough(t *testing.T) {
	router := newErrorRouter()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/missing", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "widget not found")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	// The underlying cause stays out of the response body.
	assert.NotContains(t, w.Body.String(), "redis gone")
	assert.Contains(t, w.Body.String(), "internal server error")
}
