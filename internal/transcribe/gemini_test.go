package transcribe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clipfactory/internal/apperr"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk_000.wav")
	if err := os.WriteFile(path, []byte("RIFF....WAVE"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGeminiClientTranscribe(t *testing.T) {
	var gotKey, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"[{\"start\":1.5,\"end\":3,\"transcript\":\" hola \",\"translation\":\"hello\"}]"}]}}]}`))
	}))
	defer srv.Close()

	c := NewGeminiClient(srv.URL, 5*time.Second)
	segs, err := c.Transcribe(context.Background(), "secret", Request{
		AudioPath: writeAudio(t),
		Model:     "flash",
		Duration:  300,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotKey != "secret" || gotPath != "/v1beta/models/flash:generateContent" {
		t.Errorf("request key=%q path=%q", gotKey, gotPath)
	}
	if len(segs) != 1 || segs[0].Start != 1.5 || segs[0].Transcript != "hola" || segs[0].Translation != "hello" {
		t.Errorf("segments = %+v", segs)
	}
}

func TestGeminiClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		want       apperr.Kind
		wantRetry  time.Duration
		keyBad     bool
	}{
		{"rate limited with hint", 429, "30", "quota", apperr.KindRateLimited, 30 * time.Second, false},
		{"rate limited without hint", 429, "", "quota", apperr.KindRateLimited, 0, false},
		{"server error", 503, "", "busy", apperr.KindTransient, 0, false},
		{"bad request", 400, "", "bad audio", apperr.KindPermanent, 0, false},
		{"unsupported media", 415, "", "codec", apperr.KindPermanent, 0, false},
		{"key rejected", 403, "", "denied", apperr.KindTransient, 0, true},
		{"malformed body", 200, "", `{"candidates":[{"content":{"parts":[{"text":"not json"}]}}]}`, apperr.KindTransient, 0, false},
		{"no candidates", 200, "", `{"candidates":[]}`, apperr.KindTransient, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewGeminiClient(srv.URL, 5*time.Second)
			_, err := c.Transcribe(context.Background(), "k", Request{AudioPath: writeAudio(t), Model: "m"})
			ae, ok := apperr.As(err)
			if !ok || ae.Kind != tt.want {
				t.Fatalf("err = %v, want kind %s", err, tt.want)
			}
			if ae.RetryAfter != tt.wantRetry {
				t.Errorf("RetryAfter = %v, want %v", ae.RetryAfter, tt.wantRetry)
			}
			if got := errors.Is(err, ErrKeyRejected); got != tt.keyBad {
				t.Errorf("key rejected = %v, want %v", got, tt.keyBad)
			}
		})
	}
}

func TestGeminiClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewGeminiClient(srv.URL, 0)
	_, err := c.Transcribe(ctx, "k", Request{AudioPath: writeAudio(t), Model: "m"})
	if Classify(err) != apperr.KindTransient || !Retryable(err) {
		t.Errorf("timeout err = %v classified %s", err, Classify(err))
	}
}

func TestMissingAudioIsPermanent(t *testing.T) {
	c := NewGeminiClient("http://127.0.0.1:0", time.Second)
	_, err := c.Transcribe(context.Background(), "k", Request{AudioPath: "/nonexistent.wav", Model: "m"})
	if apperr.KindOf(err) != apperr.KindPermanent || Retryable(err) {
		t.Errorf("err = %v", err)
	}
}

func TestParseSegments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"array", `[{"start":0,"end":1,"transcript":"a"}]`, 1},
		{"fenced", "```json\n[{\"start\":0,\"end\":1},{\"start\":2,\"end\":3}]\n```", 2},
		{"wrapped", `{"segments":[{"start":0,"end":1}]}`, 1},
		{"empty", `[]`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs, err := parseSegments(tt.input)
			if err != nil {
				t.Fatalf("parseSegments: %v", err)
			}
			if len(segs) != tt.want {
				t.Errorf("got %d segments, want %d", len(segs), tt.want)
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"12", 12 * time.Second},
		{"-1", 0},
		{date, 90 * time.Second},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.header, now); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestPromptMentionsLanguages(t *testing.T) {
	p := prompt(Request{SourceLanguage: "Japanese", TargetLanguage: "English", Duration: 300})
	if !strings.Contains(p, "Japanese") || !strings.Contains(p, "English") {
		t.Errorf("prompt = %q", p)
	}
}
