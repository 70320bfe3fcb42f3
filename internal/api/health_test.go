package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pingErr  error
		status   int
		overall  string
		database string
	}{
		{"healthy", nil, http.StatusOK, "healthy", "ok"},
		{"database down", errors.New("locked"), http.StatusServiceUnavailable, "degraded", "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := chi.NewRouter()
			NewHealthHandler(fakePinger{err: tt.pingErr}, fixedCount(3), &fakeLifecycle{}).RegisterHealth(r)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			body := decodeBody[struct {
				Status   string            `json:"status"`
				Checks   map[string]string `json:"checks"`
				Sessions int               `json:"sessions"`
				Live     int               `json:"live"`
			}](t, rec)
			if body.Status != tt.overall || body.Checks["database"] != tt.database {
				t.Errorf("body = %+v", body)
			}
			if body.Sessions != 3 {
				t.Errorf("sessions = %d, want 3", body.Sessions)
			}
		})
	}
}
