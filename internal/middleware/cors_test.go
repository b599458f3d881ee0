package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  bool
		wantStatus int
	}{
		{"explicit origin", []string{"https://app.example"}, "https://app.example", http.MethodGet, "https://app.example", true, http.StatusTeapot},
		{"wildcard no credentials", []string{"*"}, "https://other.example", http.MethodGet, "https://other.example", false, http.StatusTeapot},
		{"rejected origin", []string{"https://app.example"}, "https://evil.example", http.MethodGet, "", false, http.StatusTeapot},
		{"preflight short circuits", []string{"https://app.example"}, "https://app.example", http.MethodOptions, "https://app.example", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/sessions", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rec.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("credentials = %v, want %v", got, tt.wantCreds)
			}
			if tt.wantOrigin != "" && rec.Header().Get("Access-Control-Allow-Headers") != allowedHeaders {
				t.Error("allow headers missing")
			}
		})
	}
}
