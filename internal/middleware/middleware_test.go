package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequireJWT(t *testing.T) {
	auth := service.NewAuthService("secret", time.Hour)
	student, err := auth.GenerateToken(service.Actor{UserID: uuid.New(), Role: service.RoleStudent})
	if err != nil {
		t.Fatal(err)
	}
	admin, err := auth.GenerateToken(service.Actor{UserID: uuid.New(), Role: service.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.GET("/s", RequireJWT(auth), RequireRole(service.RoleStudent), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).UserID.String())
	})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing token", "/s", "", http.StatusUnauthorized},
		{"bearer header", "/s", BearerHeader(student), http.StatusOK},
		{"query token", "/s?token=" + student, "", http.StatusOK},
		{"invalid token", "/s", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "/s", BearerHeader(admin), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	r := gin.New()
	r.GET("/", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusNoContent || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestBrotli(t *testing.T) {
	large := strings.Repeat("exam ", 1000)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/large", func(c *gin.Context) {
		c.String(http.StatusOK, large[:2000])
		c.String(http.StatusOK, large[2000:])
	})
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	t.Run("large body is compressed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/large", nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Header().Get("Content-Encoding") != "br" {
			t.Fatalf("Content-Encoding = %q", w.Header().Get("Content-Encoding"))
		}
		body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
		if err != nil {
			t.Fatal(err)
		}
		if string(body) != large {
			t.Errorf("decoded %d bytes, want %d", len(body), len(large))
		}
	})

	t.Run("small body passes through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/small", nil)
		req.Header.Set("Accept-Encoding", "br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Header().Get("Content-Encoding") != "" || w.Body.String() != "ok" {
			t.Errorf("got %q encoded %q", w.Body.String(), w.Header().Get("Content-Encoding"))
		}
	})

	t.Run("client without brotli", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/large", nil))
		if w.Body.String() != large {
			t.Error("expected identity body")
		}
	})
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", w.Header().Get("Cache-Control"))
	}
}
