package gateway_test

import (
	"net/http"
	"testing"

	"github.com/Narth/Calyx-sub001/internal/gateway"
)

func TestCORSAllowlistedOrigin(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://bridge.calyx.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("origin outside allowlist got CORS header %q", got)
	}
}

func TestCORSHeadersAndPreflight(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *gateway.Config) {
		cfg.AllowOrigins = []string{"https://bridge.calyx.local"}
	})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://bridge.calyx.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://bridge.calyx.local" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	pre, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/status", nil)
	pre.Header.Set("Origin", "https://bridge.calyx.local")
	pre.Header.Set("Access-Control-Request-Method", "POST")
	resp, err = http.DefaultClient.Do(pre)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("preflight missing Access-Control-Allow-Methods")
	}
}
