package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubComponent struct {
	err error
}

func (s stubComponent) HealthCheck(ctx context.Context) error { return s.err }

func TestCheck_AllHealthy(t *testing.T) {
	c := NewChecker("svc", "1.0.0")
	c.Register("database", stubComponent{})
	c.Register("broker", stubComponent{})

	report := c.Check(context.Background())
	if report.Status != "healthy" {
		t.Errorf("status = %q, want healthy", report.Status)
	}
	if len(report.Components) != 2 {
		t.Errorf("components = %d, want 2", len(report.Components))
	}
}

func TestCheck_OneUnhealthy(t *testing.T) {
	c := NewChecker("svc", "1.0.0")
	c.Register("database", stubComponent{})
	c.Register("broker", stubComponent{err: errors.New("connection refused")})

	report := c.Check(context.Background())
	if report.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", report.Status)
	}
	if report.Components["broker"].Error != "connection refused" {
		t.Errorf("broker error = %q", report.Components["broker"].Error)
	}
	if report.Components["database"].Status != "healthy" {
		t.Errorf("database status = %q, want healthy", report.Components["database"].Status)
	}
}

func TestReadyHandler_StatusCodes(t *testing.T) {
	c := NewChecker("svc", "1.0.0")
	c.Register("database", stubComponent{})

	rec := httptest.NewRecorder()
	c.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthy ready code = %d, want 200", rec.Code)
	}

	c.Register("broker", stubComponent{err: errors.New("down")})
	rec = httptest.NewRecorder()
	c.ReadyHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy ready code = %d, want 503", rec.Code)
	}

	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Status != "unhealthy" {
		t.Errorf("report status = %q, want unhealthy", report.Status)
	}
}

func TestLiveHandler_AlwaysOK(t *testing.T) {
	c := NewChecker("svc", "1.0.0")
	c.Register("broker", stubComponent{err: errors.New("down")})

	rec := httptest.NewRecorder()
	c.LiveHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("live code = %d, want 200", rec.Code)
	}
}
