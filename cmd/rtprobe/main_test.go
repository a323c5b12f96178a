package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerag/internal/audio"
)

func TestRealtimeURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8765":         "ws://localhost:8765/realtime",
		"https://relay.example.com/":    "wss://relay.example.com/realtime",
		"ws://127.0.0.1:9000/custom/ws": "ws://127.0.0.1:9000/custom/ws",
	}
	for in, want := range cases {
		got, err := realtimeURL(in)
		if err != nil {
			t.Fatalf("realtimeURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("realtimeURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := realtimeURL("ftp://x"); err == nil {
		t.Fatalf("realtimeURL(ftp) error = nil, want error")
	}
}

func TestParseFlagsValidates(t *testing.T) {
	if _, err := parseFlags([]string{"-chunk-ms", "5"}); err == nil {
		t.Fatalf("parseFlags(chunk-ms=5) error = nil, want error")
	}
	opts, err := parseFlags([]string{"-silence-ms", "200", "-realtime", "4"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.silence != 200*time.Millisecond || opts.realtime != 4 {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestProbeAgainstFakeRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		appends := 0
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			_ = json.Unmarshal(data, &env)
			switch env.Type {
			case "input_audio_buffer.append":
				appends++
			case "response.create":
				pcm := base64.StdEncoding.EncodeToString(audio.Silence(10*time.Millisecond, audio.RealtimeSampleRate))
				_ = conn.WriteJSON(map[string]any{"type": "response.audio.delta", "delta": pcm})
				_ = conn.WriteJSON(map[string]any{"type": "response.done", "appends": appends})
			}
		}
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "reply.wav")
	opts, err := parseFlags([]string{
		"-url", strings.Replace(srv.URL, "http", "ws", 1) + "/realtime",
		"-silence-ms", "120",
		"-chunk-ms", "40",
		"-realtime", "20",
		"-record", out,
	})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}

	rep, err := probe(context.Background(), opts)
	if err != nil {
		t.Fatalf("probe() error = %v", err)
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.counts["response.audio.delta"] != 1 || rep.counts["response.done"] != 1 {
		t.Fatalf("unexpected counts: %v", rep.counts)
	}
	if rep.firstAudio == 0 {
		t.Fatalf("first audio latency not recorded")
	}

	wav, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read recording: %v", err)
	}
	pcm, rate, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if rate != audio.RealtimeSampleRate || len(pcm) != 480 {
		t.Fatalf("recording rate = %d len = %d, want %d and 480", rate, len(pcm), audio.RealtimeSampleRate)
	}
}
