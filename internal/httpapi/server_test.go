package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerag/internal/backend"
	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/router"
	"github.com/ent0n29/voicerag/internal/session"
)

type echoRelay struct {
	sessions   *session.Manager
	requestIDs chan string
}

func (e *echoRelay) Serve(_ context.Context, client router.Conn, remoteAddr, requestID string) error {
	if e.requestIDs != nil {
		e.requestIDs <- requestID
	}
	sess := e.sessions.Create(string(e.Backend()), remoteAddr)
	defer e.sessions.End(sess.ID)
	mt, data, err := client.ReadMessage()
	if err != nil {
		return err
	}
	return client.WriteMessage(mt, data)
}

func (e *echoRelay) Terminate(sessionID, _ string) bool { return sessionID == "known" }

func (e *echoRelay) Backend() backend.Kind { return backend.KindRealtimeA }

func newTestServer(t *testing.T, cfg config.Config, withRelay bool) (*httptest.Server, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(2 * time.Minute)
	metrics := observability.NewMetrics("test_httpapi")
	var relay Relay
	if withRelay {
		relay = &echoRelay{sessions: sessions}
	}
	ts := httptest.NewServer(New(cfg, sessions, relay, metrics, "memory").Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func getJSON(t *testing.T, url string, want int) map[string]any {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		t.Fatalf("GET %s status = %d, want %d", url, res.StatusCode, want)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{}, true)

	if got := getJSON(t, ts.URL+"/healthz", http.StatusOK)["status"]; got != "ok" {
		t.Fatalf("healthz status = %v, want ok", got)
	}
	ready := getJSON(t, ts.URL+"/readyz", http.StatusOK)
	if ready["backend"] != string(backend.KindRealtimeA) {
		t.Fatalf("backend = %v, want %v", ready["backend"], backend.KindRealtimeA)
	}
	if ready["search_mode"] != "memory" {
		t.Fatalf("search_mode = %v, want memory", ready["search_mode"])
	}

	unready, _ := newTestServer(t, config.Config{}, false)
	getJSON(t, unready.URL+"/readyz", http.StatusServiceUnavailable)
}

func TestSessionsEndpoints(t *testing.T) {
	ts, sessions := newTestServer(t, config.Config{}, true)
	sess := sessions.Create("realtime-a", "10.0.0.1:1234")

	list := getJSON(t, ts.URL+"/v1/sessions", http.StatusOK)
	if list["active"] != float64(1) {
		t.Fatalf("active = %v, want 1", list["active"])
	}
	if list["inactivity_ttl_ms"] != float64(120000) {
		t.Fatalf("inactivity_ttl_ms = %v, want 120000", list["inactivity_ttl_ms"])
	}

	got := getJSON(t, ts.URL+"/v1/sessions/"+sess.ID, http.StatusOK)
	if got["session_id"] != sess.ID {
		t.Fatalf("session_id = %v, want %s", got["session_id"], sess.ID)
	}
	getJSON(t, ts.URL+"/v1/sessions/missing", http.StatusNotFound)

	for id, want := range map[string]int{"known": http.StatusAccepted, "unknown": http.StatusNotFound} {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/"+id, nil)
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE %s error = %v", id, err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Fatalf("DELETE %s status = %d, want %d", id, res.StatusCode, want)
		}
	}
}

func TestPerfLatencyAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{}, true)

	perf := getJSON(t, ts.URL+"/v1/perf/latency", http.StatusOK)
	if _, ok := perf["stages"]; !ok {
		t.Fatalf("missing stages in perf response: %+v", perf)
	}

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}

func TestRealtimeUpgradeAndOriginCheck(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{}, true)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"input_audio_buffer.commit"}`)); err != nil {
		t.Fatalf("write error = %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if !strings.Contains(string(data), "input_audio_buffer.commit") {
		t.Fatalf("echo = %s", data)
	}

	_, res, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatalf("cross-origin dial succeeded, want rejection")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin response = %+v, want 403", res)
	}

	open, _ := newTestServer(t, config.Config{AllowAnyOrigin: true}, true)
	openURL := "ws" + strings.TrimPrefix(open.URL, "http") + "/realtime"
	c2, _, err := websocket.DefaultDialer.Dial(openURL, http.Header{"Origin": []string{"https://evil.example"}})
	if err != nil {
		t.Fatalf("dial with AllowAnyOrigin error = %v", err)
	}
	c2.Close()
}

func TestRealtimeForwardsClientRequestID(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	relay := &echoRelay{sessions: sessions, requestIDs: make(chan string, 2)}
	ts := httptest.NewServer(New(config.Config{}, sessions, relay, observability.NewMetrics("test_request_id"), "memory").Router())
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime"

	for _, tc := range []struct {
		header http.Header
		want   string
	}{
		{http.Header{"X-Ms-Client-Request-Id": []string{"req-42"}}, "req-42"},
		{nil, ""},
	} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, tc.header)
		if err != nil {
			t.Fatalf("dial error = %v", err)
		}
		select {
		case got := <-relay.requestIDs:
			if got != tc.want {
				t.Fatalf("request id = %q, want %q", got, tc.want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("relay was not called")
		}
		conn.Close()
	}
}

func TestRealtimeWithoutRelay(t *testing.T) {
	ts, _ := newTestServer(t, config.Config{}, false)
	res, err := http.Get(ts.URL + "/realtime")
	if err != nil {
		t.Fatalf("GET /realtime error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotImplemented)
	}
}
