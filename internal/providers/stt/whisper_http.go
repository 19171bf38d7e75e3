package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MedicalPromptJA primes the engine with nursing vocabulary for Japanese audio.
const MedicalPromptJA = "医療記録、バイタルサイン、看護評価、血圧、脈拍、体温、患者"

// WhisperConfig configures a WhisperHTTP client.
type WhisperConfig struct {
	BaseURL       string // e.g. http://whisper:8080
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	// InitialPrompt overrides the built-in prompt. For Japanese the medical
	// prompt is used when empty.
	InitialPrompt string
	// OnRetry is called before every retry attempt.
	OnRetry func()
}

// WhisperHTTP talks to a whisper transcription service over multipart HTTP.
type WhisperHTTP struct {
	cfg        WhisperConfig
	httpClient *http.Client
	semaphore  chan struct{}
}

func NewWhisperHTTP(cfg WhisperConfig) (*WhisperHTTP, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("whisper base url cannot be empty")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}

	return &WhisperHTTP{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

func (w *WhisperHTTP) Close() error {
	w.httpClient.CloseIdleConnections()
	return nil
}

// flexFloat accepts both JSON numbers and numeric strings ("1.234").
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

type whisperSegment struct {
	Start flexFloat `json:"start"`
	End   flexFloat `json:"end"`
	Text  string    `json:"text"`
}

type whisperResponse struct {
	Status              string           `json:"status"`
	Error               string           `json:"error"`
	Language            string           `json:"language"`
	LanguageProbability flexFloat        `json:"language_probability"`
	Duration            flexFloat        `json:"duration"`
	FullText            string           `json:"full_text"`
	Segments            []whisperSegment `json:"segments"`
}

// httpStatusError carries a non-2xx response.
type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// Transcribe posts one WAV container to /transcribe, retrying transient
// failures with exponential backoff.
func (w *WhisperHTTP) Transcribe(ctx context.Context, audio []byte, language string) (*Result, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("empty audio")
	}
	if language == "" {
		language = "ja"
	}

	select {
	case w.semaphore <- struct{}{}:
		defer func() { <-w.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if w.cfg.OnRetry != nil {
				w.cfg.OnRetry()
			}
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		res, err := w.doRequest(ctx, audio, language)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return nil, fmt.Errorf("transcription failed: %w", lastErr)
}

func (w *WhisperHTTP) doRequest(ctx context.Context, audio []byte, language string) (*Result, error) {
	body, contentType, err := w.multipartBody(audio, language)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BaseURL+"/transcribe", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpStatusError{Code: resp.StatusCode, Body: string(raw)}
	}

	var wr whisperResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if wr.Status != "success" {
		msg := wr.Error
		if msg == "" {
			msg = "status " + wr.Status
		}
		return nil, fmt.Errorf("engine error: %s", msg)
	}
	return wr.result(), nil
}

func (w *WhisperHTTP) multipartBody(audio []byte, language string) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(audio); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("language", language); err != nil {
		return nil, "", err
	}
	prompt := w.cfg.InitialPrompt
	if prompt == "" && language == "ja" {
		prompt = MedicalPromptJA
	}
	if prompt != "" {
		if err := mw.WriteField("initial_prompt", prompt); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// result converts the wire response. The service reports no per-segment
// confidence, so segments inherit the language probability.
func (wr *whisperResponse) result() *Result {
	conf := float64(wr.LanguageProbability)
	res := &Result{
		Text:       strings.TrimSpace(wr.FullText),
		Confidence: conf,
		Language:   wr.Language,
		Duration:   float64(wr.Duration),
	}
	var texts []string
	for _, s := range wr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)
		res.Segments = append(res.Segments, Segment{
			Text:       text,
			Start:      float64(s.Start),
			End:        float64(s.End),
			Confidence: conf,
		})
	}
	if res.Text == "" {
		res.Text = strings.Join(texts, " ")
	}
	return res
}

// Health probes GET /health on the service.
func (w *WhisperHTTP) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.BaseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{Code: resp.StatusCode}
	}
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out["status"] != "ok" {
		return out, fmt.Errorf("engine unhealthy: %v", out["status"])
	}
	return out, nil
}

func isRetryable(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return strings.Contains(err.Error(), "connection")
}
