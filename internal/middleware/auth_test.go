package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequireToken(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name    string
		token   string
		headers map[string]string
		want    int
	}{
		{name: "disabled", token: "", want: http.StatusNoContent},
		{name: "missing", token: "s3cret", want: http.StatusUnauthorized},
		{
			name:    "bearer",
			token:   "s3cret",
			headers: map[string]string{"Authorization": "Bearer s3cret"},
			want:    http.StatusNoContent,
		},
		{
			name:    "header",
			token:   "s3cret",
			headers: map[string]string{TokenHeader: "s3cret"},
			want:    http.StatusNoContent,
		},
		{
			name:    "wrong bearer wins over header",
			token:   "s3cret",
			headers: map[string]string{"Authorization": "Bearer nope", TokenHeader: "s3cret"},
			want:    http.StatusUnauthorized,
		},
		{
			name:    "basic auth is not accepted",
			token:   "s3cret",
			headers: map[string]string{"Authorization": "Basic s3cret"},
			want:    http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			RequireToken(tt.token)(ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
