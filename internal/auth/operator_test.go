package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestNewOperatorFromEnv(t *testing.T) {
	t.Setenv(OperatorKeyEnv, "")
	if _, err := NewOperatorFromEnv(); err == nil {
		t.Fatalf("empty operator key must be an error")
	}

	t.Setenv(OperatorKeyEnv, "s3cret")
	operator, err := NewOperatorFromEnv()
	if err != nil {
		t.Fatalf("NewOperatorFromEnv error: %v", err)
	}
	if !operator.Verify("s3cret") {
		t.Fatalf("correct key rejected")
	}
	if operator.Verify("wrong") {
		t.Fatalf("wrong key accepted")
	}
}

func TestMiddleware(t *testing.T) {
	t.Setenv(OperatorKeyEnv, "s3cret")
	operator, err := NewOperatorFromEnv()
	if err != nil {
		t.Fatalf("NewOperatorFromEnv error: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(operator.Middleware())
	r.POST("/privileged", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/privileged", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: got status %d, want %d", tc.name, w.Code, tc.want)
		}
	}
}
