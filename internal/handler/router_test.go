package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(ctx context.Context) error {
	return m.err
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "正常", want: http.StatusOK},
		{name: "DB疎通失敗", err: errors.New("down"), want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(&RouterDeps{Service: &mockService{}, HealthChecker: &mockHealthChecker{err: tt.err}})
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_UnsignedCallIsRejected(t *testing.T) {
	router := NewRouter(&RouterDeps{Service: &mockService{}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/call/get_my_inbox", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRouter_OptionalRoutes(t *testing.T) {
	marker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	without := NewRouter(&RouterDeps{Service: &mockService{}})
	with := NewRouter(&RouterDeps{Service: &mockService{}, DevIdentity: marker, MetricsHandler: marker})

	for _, path := range []string{"/authorize", "/metrics"} {
		w := httptest.NewRecorder()
		without.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: 未設定時は404であるべき, got %d", path, w.Code)
		}

		w = httptest.NewRecorder()
		with.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusTeapot {
			t.Errorf("%s: status = %d, want 418", path, w.Code)
		}
	}
}
