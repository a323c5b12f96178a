package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerag/internal/audio"
	"github.com/ent0n29/voicerag/internal/protocol"
)

type options struct {
	url      string
	wavPath  string
	silence  time.Duration
	chunk    time.Duration
	realtime float64
	wait     time.Duration
	record   string
	respond  bool
	verbose  bool
}

type report struct {
	mu          sync.Mutex
	start       time.Time
	firstEvent  time.Duration
	firstAudio  time.Duration
	counts      map[string]int
	errors      []string
	closeReason string
	audio       []byte
}

func newReport() *report {
	return &report{start: time.Now(), counts: make(map[string]int)}
}

type inbound struct {
	Type   string `json:"type"`
	Delta  string `json:"delta"`
	Reason string `json:"reason"`
	Error  *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r *report) observe(data []byte) (done bool) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.start)
	if r.firstEvent == 0 {
		r.firstEvent = elapsed
	}
	r.counts[msg.Type]++
	switch msg.Type {
	case protocol.TypeResponseAudio:
		if r.firstAudio == 0 {
			r.firstAudio = elapsed
		}
		if pcm, err := base64.StdEncoding.DecodeString(msg.Delta); err == nil {
			r.audio = append(r.audio, pcm...)
		}
	case protocol.TypeError:
		if msg.Error != nil {
			r.errors = append(r.errors, fmt.Sprintf("%s/%s: %s", msg.Error.Type, msg.Error.Code, msg.Error.Message))
		}
	case protocol.TypeSessionClosed:
		r.closeReason = msg.Reason
		return true
	case protocol.TypeResponseDone:
		return true
	}
	return false
}

func (r *report) print(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(w, "rtprobe: first_event=%s first_audio=%s audio=%s\n",
		fmtDur(r.firstEvent), fmtDur(r.firstAudio), audio.Duration(r.audio, audio.RealtimeSampleRate))
	types := make([]string, 0, len(r.counts))
	for t := range r.counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "  %-48s %d\n", t, r.counts[t])
	}
	for _, e := range r.errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	if r.closeReason != "" {
		fmt.Fprintf(w, "  closed: %s\n", r.closeReason)
	}
}

func fmtDur(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rep, err := probe(ctx, opts)
	if rep != nil {
		rep.print(os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("rtprobe", flag.ContinueOnError)
	var chunkMS, silenceMS, waitMS int
	fs.StringVar(&opts.url, "url", "ws://127.0.0.1:8765/realtime", "relay websocket URL (http(s) is accepted)")
	fs.StringVar(&opts.wavPath, "wav", "", "16-bit PCM WAV file to stream; silence when empty")
	fs.IntVar(&silenceMS, "silence-ms", 1500, "milliseconds of silence to stream when no WAV is given")
	fs.IntVar(&chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&waitMS, "wait-ms", 10000, "how long to wait for a response after streaming")
	fs.StringVar(&opts.record, "record", "", "write received assistant audio to this WAV file")
	fs.BoolVar(&opts.respond, "respond", true, "commit the buffer and request a response after streaming")
	fs.BoolVar(&opts.verbose, "verbose", false, "print every received event type")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	u, err := realtimeURL(opts.url)
	if err != nil {
		return options{}, err
	}
	opts.url = u
	if chunkMS < 10 || chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if opts.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	opts.chunk = time.Duration(chunkMS) * time.Millisecond
	opts.silence = time.Duration(max(silenceMS, 0)) * time.Millisecond
	opts.wait = time.Duration(max(waitMS, 100)) * time.Millisecond
	return opts, nil
}

func realtimeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url host is required")
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/realtime"
	}
	return u.String(), nil
}

func loadAudio(opts options) ([]byte, error) {
	if opts.wavPath == "" {
		return audio.Silence(opts.silence, audio.RealtimeSampleRate), nil
	}
	data, err := os.ReadFile(opts.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.wavPath, err)
	}
	return audio.Resample(pcm, rate, audio.RealtimeSampleRate), nil
}

func probe(ctx context.Context, opts options) (*report, error) {
	pcm, err := loadAudio(opts)
	if err != nil {
		return nil, err
	}

	rep := newReport()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		var once sync.Once
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if opts.verbose {
				fmt.Fprintf(os.Stderr, "rtprobe: <- %s\n", truncate(data, 120))
			}
			if rep.observe(data) {
				once.Do(func() { close(done) })
			}
		}
	}()

	for _, chunk := range audio.Chunks(pcm, audio.RealtimeSampleRate, opts.chunk) {
		msg := map[string]string{
			"type":  protocol.TypeInputAudioAppend,
			"audio": base64.StdEncoding.EncodeToString(chunk),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return rep, fmt.Errorf("send audio: %w", err)
		}
		pace := time.Duration(float64(audio.Duration(chunk, audio.RealtimeSampleRate)) / opts.realtime)
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-time.After(pace):
		}
	}
	if opts.respond {
		for _, typ := range []string{protocol.TypeInputAudioCommit, protocol.TypeResponseCreate} {
			if err := conn.WriteJSON(map[string]string{"type": typ}); err != nil {
				return rep, fmt.Errorf("send %s: %w", typ, err)
			}
		}
	}

	timer := time.NewTimer(opts.wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case err := <-readErr:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return rep, fmt.Errorf("read: %w", err)
		}
	case <-ctx.Done():
		return rep, ctx.Err()
	}

	if opts.record != "" && len(rep.audio) > 0 {
		f, err := os.Create(opts.record)
		if err != nil {
			return rep, err
		}
		defer f.Close()
		if err := audio.WriteWAV(f, rep.audio, audio.RealtimeSampleRate); err != nil {
			return rep, fmt.Errorf("record: %w", err)
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return rep, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
