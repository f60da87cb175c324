package transcribe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/models"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultBaseURL is the public generative language endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiClient talks to a generateContent style API with inline audio.
type GeminiClient struct {
	baseURL string
	hc      *http.Client
}

// NewGeminiClient creates a client. timeout bounds each HTTP exchange; the
// caller's context may cut it shorter.
func NewGeminiClient(baseURL string, timeout time.Duration) *GeminiClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &GeminiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents         []content      `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

type segmentJSON struct {
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Transcript  string  `json:"transcript"`
	Translation string  `json:"translation"`
}

func prompt(req Request) string {
	src := req.SourceLanguage
	if src == "" {
		src = "the spoken language"
	}
	dst := req.TargetLanguage
	if dst == "" {
		dst = "English"
	}
	return fmt.Sprintf(
		"Transcribe the speech in this audio (%s) and translate each utterance into %s. "+
			"The audio is %.1f seconds long. Return only a JSON array of objects with keys "+
			"\"start\" and \"end\" (seconds from the start of the audio), \"transcript\" and \"translation\". "+
			"Skip silence and music.",
		src, dst, req.Duration)
}

func mimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".m4a", ".aac":
		return "audio/aac"
	default:
		return "audio/wav"
	}
}

// Transcribe sends the chunk audio inline and parses the returned segments.
func (c *GeminiClient) Transcribe(ctx context.Context, apiKey string, req Request) ([]models.SegmentProposal, error) {
	audio, err := os.ReadFile(req.AudioPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPermanent, err, "read chunk audio")
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{
			{Text: prompt(req)},
			{InlineData: &inlineData{MimeType: mimeType(req.AudioPath), Data: base64.StdEncoding.EncodeToString(audio)}},
		}}},
		GenerationConfig: map[string]any{"responseMimeType": "application/json"},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPermanent, err, "encode request")
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindPermanent, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "call transcription service")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "read response")
	}
	if err := classifyStatus(resp, raw); err != nil {
		return nil, err
	}

	var gr generateResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "decode response")
	}
	if len(gr.Candidates) == 0 {
		return nil, apperr.New(apperr.KindTransient, "response has no candidates")
	}
	var text strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return parseSegments(text.String())
}

// classifyStatus maps an HTTP status onto a failure kind.
func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code < 300 {
		return nil
	}
	msg := fmt.Sprintf("transcription service http %d: %s", code, snippet(body))

	switch {
	case code == http.StatusTooManyRequests:
		e := apperr.New(apperr.KindRateLimited, "%s", msg)
		e.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), time.Now())
		return e
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.Wrap(apperr.KindTransient, ErrKeyRejected, "%s", msg)
	case code == http.StatusRequestTimeout || code >= 500:
		return apperr.New(apperr.KindTransient, "%s", msg)
	default:
		return apperr.New(apperr.KindPermanent, "%s", msg)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// parseSegments accepts a bare JSON array or an object with a "segments"
// field, optionally wrapped in a markdown code fence.
func parseSegments(text string) ([]models.SegmentProposal, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var segs []segmentJSON
	if err := json.Unmarshal([]byte(text), &segs); err != nil {
		var wrapped struct {
			Segments []segmentJSON `json:"segments"`
		}
		if err2 := json.Unmarshal([]byte(text), &wrapped); err2 != nil {
			return nil, apperr.Wrap(apperr.KindTransient, errors.Join(err, err2), "model returned malformed segments")
		}
		segs = wrapped.Segments
	}

	out := make([]models.SegmentProposal, 0, len(segs))
	for _, s := range segs {
		out = append(out, models.SegmentProposal{
			Start:       s.Start,
			End:         s.End,
			Transcript:  strings.TrimSpace(s.Transcript),
			Translation: strings.TrimSpace(s.Translation),
		})
	}
	return out, nil
}
