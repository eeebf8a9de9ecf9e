package validation

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestClean(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  12 Ly Thuong Kiet  ", "12 Ly Thuong Kiet"},
		{"a\x00b", "ab"},
		{"\x00  \x00", ""},
		{"Hà Nội", "Hà Nội"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Clean(tt.in), "Clean(%q)", tt.in)
	}
}

func TestIsValidID(t *testing.T) {
	assert.True(t, IsValidID("6f1c2a7e-3b7d-4d9e-9f57-0e8d2c1b4a30"))
	assert.False(t, IsValidID("6F1C2A7E-3B7D-4D9E-9F57-0E8D2C1B4A30"), "canonical form is lower case")
	assert.False(t, IsValidID("missing"))
	assert.False(t, IsValidID("{6f1c2a7e-3b7d-4d9e-9f57-0e8d2c1b4a30}"))
	assert.False(t, IsValidID(""))
}

func TestIDParamMiddleware(t *testing.T) {
	r := gin.New()
	r.GET("/orders/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("id"))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/6f1c2a7e-3b7d-4d9e-9f57-0e8d2c1b4a30", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/'%20OR%201=1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"not_found"`)
}

func TestRequestSizeMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader([]byte("small"))))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewReader(bytes.Repeat([]byte("x"), 64))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}
