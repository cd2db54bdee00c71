package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAdminAudit(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := AdminAudit(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/rules", nil)
	req.Header.Set("X-Real-IP", "198.51.100.42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", rr.Code)
	}
	entries := logs.FilterMessage("admin action").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one audit line, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["resource"] != "/v1/rules" || fields["action"] != "POST" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("Expected status 201 in log, got %v", fields["status"])
	}
	if fields["ip"] != "198.51.100.42" {
		t.Errorf("Expected ip from X-Real-IP, got %v", fields["ip"])
	}
}

func TestGetIPAddress_XForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.195, 70.41.3.18")

	ip := GetIPAddress(req)
	if ip != "203.0.113.195" {
		t.Errorf("Expected first IP from X-Forwarded-For, got '%s'", ip)
	}
}

func TestGetIPAddress_XRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.42")

	ip := GetIPAddress(req)
	if ip != "198.51.100.42" {
		t.Errorf("Expected IP from X-Real-IP, got '%s'", ip)
	}
}

func TestGetIPAddress_RemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:54321"

	ip := GetIPAddress(req)
	if ip != "192.0.2.1:54321" {
		t.Errorf("Expected RemoteAddr, got '%s'", ip)
	}
}

func TestGetIPAddress_Priority(t *testing.T) {
	// X-Forwarded-For should take priority over X-Real-IP and RemoteAddr
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.195")
	req.Header.Set("X-Real-IP", "198.51.100.42")
	req.RemoteAddr = "192.0.2.1:54321"

	ip := GetIPAddress(req)
	if ip != "203.0.113.195" {
		t.Errorf("Expected X-Forwarded-For to take priority, got '%s'", ip)
	}
}
