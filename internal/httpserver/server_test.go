package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/turnrest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(mode config.Mode) config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            mode,
	}
}

func startTestServer(t *testing.T, cfg config.Config, deps Deps) (baseURL string) {
	t.Helper()

	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, discardLogger(), build, deps)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		if deps.Signaling != nil {
			deps.Signaling.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

// signalingDeps builds a hub and WebSocket server sharing one metrics sink.
func signalingDeps(t *testing.T) Deps {
	t.Helper()
	m := metrics.New()
	hub, err := signaling.NewHub(signaling.HubConfig{Metrics: m, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewHub: %v", err)
	}
	return Deps{
		Hub:       hub,
		Signaling: signaling.NewServer(signaling.Config{Hub: hub, Metrics: m, Logger: discardLogger()}),
		Metrics:   m,
	}
}

func getJSON(t *testing.T, url string, header http.Header, v any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, vals := range header {
		req.Header[k] = vals
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(config.ModeDev), Deps{})

	t.Run("healthz", func(t *testing.T) {
		var body map[string]any
		resp := getJSON(t, baseURL+"/healthz", nil, &body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		if resp := getJSON(t, baseURL+"/readyz", nil, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		var got BuildInfo
		if resp := getJSON(t, baseURL+"/version", nil, &got); resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("health without hub", func(t *testing.T) {
		if resp := getJSON(t, baseURL+"/health", nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := baseConfig(config.ModeDev)
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
	}
	baseURL := startTestServer(t, cfg, Deps{})

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
		ExpiresAt  *string          `json:"expiresAt"`
	}
	resp := getJSON(t, baseURL+"/webrtc/ice", nil, &payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
	if payload.ExpiresAt != nil {
		t.Fatalf("expiresAt=%v without TURN REST", *payload.ExpiresAt)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control=%q, want no-store", got)
	}
}

func TestICEEndpoint_EmptyListEncodesAsArray(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(config.ModeDev), Deps{})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"iceServers":[]`) {
		t.Fatalf("body=%s, want empty iceServers array", body)
	}
}

func TestICEEndpoint_TURNRESTInjectsCredentials(t *testing.T) {
	cfg := baseConfig(config.ModeDev)
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}},
	}
	gen, err := turnrest.NewGenerator(turnrest.GeneratorConfig{
		SharedSecret:   "secret",
		TTLSeconds:     60,
		UsernamePrefix: "aero",
		Now:            func() time.Time { return time.Unix(1000, 0) },
		SessionID:      func() string { return "sess" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	m := metrics.New()
	baseURL := startTestServer(t, cfg, Deps{TURN: gen, Metrics: m})

	var payload struct {
		ICEServers []struct {
			URLs       []string `json:"urls"`
			Username   string   `json:"username"`
			Credential string   `json:"credential"`
		} `json:"iceServers"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if resp := getJSON(t, baseURL+"/webrtc/ice", nil, &payload); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	if turn.Username != "1060:aero:sess" || turn.Credential == "" {
		t.Fatalf("turn server=%+v, want TURN REST credentials", turn)
	}
	if !payload.ExpiresAt.Equal(time.Unix(1060, 0)) {
		t.Fatalf("expiresAt=%v, want %v", payload.ExpiresAt, time.Unix(1060, 0).UTC())
	}
	if got := m.Get(metrics.TURNCredentialsIssued); got != 1 {
		t.Fatalf("turn_credentials_issued=%d, want 1", got)
	}
}

func TestOriginPolicy(t *testing.T) {
	cases := []struct {
		name    string
		mode    config.Mode
		allowed []string
		origin  string
		want    int
	}{
		{"prod rejects cross origin", config.ModeProd, nil, "https://evil.example.com", http.StatusForbidden},
		{"prod allows same host", config.ModeProd, nil, "", http.StatusOK},
		{"dev allows any origin", config.ModeDev, nil, "https://evil.example.com", http.StatusOK},
		{"allow-list admits listed origin", config.ModeProd, []string{"https://app.example.com"}, "https://app.example.com", http.StatusOK},
		{"allow-list rejects others in dev", config.ModeDev, []string{"https://app.example.com"}, "https://evil.example.com", http.StatusForbidden},
		{"malformed origin", config.ModeDev, nil, "javascript:alert(1)", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig(tc.mode)
			cfg.AllowedOrigins = tc.allowed
			baseURL := startTestServer(t, cfg, Deps{})

			header := http.Header{}
			if tc.origin != "" {
				header.Set("Origin", tc.origin)
			}
			resp := getJSON(t, baseURL+"/webrtc/ice", header, nil)
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d, want %d", resp.StatusCode, tc.want)
			}
			if tc.want == http.StatusOK && tc.origin != "" {
				if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.origin {
					t.Fatalf("Access-Control-Allow-Origin=%q, want %q", got, tc.origin)
				}
			}
		})
	}
}

func TestOriginPolicy_SameHostOrigin(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(config.ModeProd), Deps{})

	header := http.Header{}
	header.Set("Origin", baseURL)
	if resp := getJSON(t, baseURL+"/healthz", header, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200 for same-host origin", resp.StatusCode)
	}
}

func TestOriginPolicy_Preflight(t *testing.T) {
	baseURL := startTestServer(t, baseConfig(config.ModeDev), Deps{})

	req, err := http.NewRequest(http.MethodOptions, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	req.Header.Set("Access-Control-Request-Headers", "X-Request-ID")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status=%d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "X-Request-ID" {
		t.Fatalf("Access-Control-Allow-Headers=%q", got)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("AERO_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg, Deps{})

	if resp := getJSON(t, baseURL+"/readyz", nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if resp := getJSON(t, baseURL+"/webrtc/ice", nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/webrtc/ice expected 503, got %d", resp.StatusCode)
	}
}

func TestSignalingThroughMiddleware(t *testing.T) {
	deps := signalingDeps(t)
	baseURL := startTestServer(t, baseConfig(config.ModeProd), deps)
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"

	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"register","data":{"name":"Alice"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env signaling.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Type == signaling.TypeRegistered {
			break
		}
	}

	var health signaling.HealthData
	if resp := getJSON(t, baseURL+"/health", nil, &health); resp.StatusCode != http.StatusOK {
		t.Fatalf("/health status=%d", resp.StatusCode)
	}
	if health.Status != "ok" || health.UsersCount != 1 || len(health.Users) != 1 || health.Users[0].Name != "Alice" {
		t.Fatalf("health=%+v, want Alice listed", health)
	}

	var stats signaling.StatsData
	if resp := getJSON(t, baseURL+"/stats", nil, &stats); resp.StatusCode != http.StatusOK {
		t.Fatalf("/stats status=%d", resp.StatusCode)
	}
	if stats != (signaling.StatsData{Users: 1}) {
		t.Fatalf("stats=%+v, want 1 user", stats)
	}

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		"aero_webrtc_signal_relay_websocket_connections 1",
		"aero_webrtc_signal_relay_rooms 0",
		`aero_webrtc_signal_relay_events_total{event="connections_opened"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestSignalingUpgradeRejectsCrossOriginInProd(t *testing.T) {
	deps := signalingDeps(t)
	baseURL := startTestServer(t, baseConfig(config.ModeProd), deps)
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp=%v, want 403", resp)
	}
	if got := deps.Metrics.Get(metrics.OriginRejected); got != 1 {
		t.Fatalf("origin_rejected=%d, want 1", got)
	}
}

func TestStaticDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>relay</h1>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := baseConfig(config.ModeDev)
	cfg.StaticDir = dir
	baseURL := startTestServer(t, cfg, Deps{})

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "<h1>relay</h1>" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}

	// API routes still win over the file server.
	if resp := getJSON(t, baseURL+"/healthz", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status=%d", resp.StatusCode)
	}
}
