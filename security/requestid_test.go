package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRequestID()
		if !isValidRequestID(id) {
			t.Fatalf("generated id %q does not pass validation", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestRequestIDContext(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID(empty) = %q", got)
	}
	ctx := WithRequestID(context.Background(), "abc")
	if got := GetRequestID(ctx); got != "abc" {
		t.Errorf("GetRequestID() = %q, want abc", got)
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name      string
		upstream  string
		expectNew bool
	}{
		{"generates when missing", "", true},
		{"keeps valid upstream id", "upstream-request-id-xyz", false},
		{"rejects header injection", "id\r\nX-Injected: evil", true},
		{"rejects spaces", "id with spaces", true},
		{"rejects long id", strings.Repeat("a", 129), true},
		{"rejects markup", "<script>alert(1)</script>", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				req.Header[RequestIDHeader] = []string{tt.upstream}
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if captured == "" {
				t.Fatal("no request id in context")
			}
			if got := w.Header().Get(RequestIDHeader); got != captured {
				t.Errorf("response header = %q, context = %q", got, captured)
			}
			if tt.expectNew && captured == tt.upstream {
				t.Errorf("invalid upstream id %q was kept", tt.upstream)
			}
			if !tt.expectNew && captured != tt.upstream {
				t.Errorf("request id = %q, want %q", captured, tt.upstream)
			}
		})
	}
}
