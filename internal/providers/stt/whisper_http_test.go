package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWhisperTranscribeStringNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transcribe" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("ParseMultipartForm: %v", err)
		}
		if got := r.FormValue("language"); got != "ja" {
			t.Errorf("language = %q, want ja", got)
		}
		if got := r.FormValue("initial_prompt"); got != MedicalPromptJA {
			t.Errorf("initial_prompt = %q", got)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file part: %v", err)
		}
		b, _ := io.ReadAll(f)
		if string(b) != "RIFFDATA" {
			t.Errorf("file content = %q", b)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"success","language":"ja","language_probability":"0.9731",
			"duration":"2.50","full_text":"血圧 120 の 80",
			"segments":[{"start":"0.000","end":"1.200","text":" 血圧 120 "},{"start":"1.200","end":"2.500","text":"の 80"}]}`)
	}))
	defer srv.Close()

	c, err := NewWhisperHTTP(WhisperConfig{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewWhisperHTTP: %v", err)
	}

	res, err := c.Transcribe(context.Background(), []byte("RIFFDATA"), "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "血圧 120 の 80" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Confidence < 0.97 || res.Confidence > 0.98 {
		t.Errorf("confidence = %v", res.Confidence)
	}
	if len(res.Segments) != 2 || res.Segments[0].Text != "血圧 120" || res.Segments[1].End != 2.5 {
		t.Errorf("segments = %+v", res.Segments)
	}
}

func TestWhisperTranscribeNumericFieldsAndNoPromptForEnglish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		if _, ok := r.MultipartForm.Value["initial_prompt"]; ok {
			t.Error("initial_prompt should not be sent for en")
		}
		io.WriteString(w, `{"status":"success","language":"en","language_probability":1.0,"duration":1.5,
			"full_text":"","segments":[{"start":0,"end":1.5,"text":"hello there"}]}`)
	}))
	defer srv.Close()

	c, _ := NewWhisperHTTP(WhisperConfig{BaseURL: srv.URL})
	res, err := c.Transcribe(context.Background(), []byte("x"), "en")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello there" {
		t.Errorf("text should fall back to joined segments, got %q", res.Text)
	}
}

func TestWhisperEngineErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		io.WriteString(w, `{"status":"error","error":"ffmpeg conversion failed"}`)
	}))
	defer srv.Close()

	c, _ := NewWhisperHTTP(WhisperConfig{BaseURL: srv.URL, MaxRetries: 3})
	_, err := c.Transcribe(context.Background(), []byte("x"), "ja")
	if err == nil || !strings.Contains(err.Error(), "ffmpeg conversion failed") {
		t.Fatalf("expected engine error, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("engine errors must not be retried, got %d calls", n)
	}
}

func TestWhisperRetriesServerErrors(t *testing.T) {
	var calls, retries int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"status":"success","full_text":"ok","language_probability":1}`)
	}))
	defer srv.Close()

	c, _ := NewWhisperHTTP(WhisperConfig{
		BaseURL:    srv.URL,
		MaxRetries: 2,
		OnRetry:    func() { atomic.AddInt32(&retries, 1) },
	})
	res, err := c.Transcribe(context.Background(), []byte("x"), "ja")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "ok" || atomic.LoadInt32(&calls) != 2 || atomic.LoadInt32(&retries) != 1 {
		t.Errorf("text=%q calls=%d retries=%d", res.Text, calls, retries)
	}
}

func TestWhisperDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := NewWhisperHTTP(WhisperConfig{BaseURL: srv.URL, MaxRetries: 3, Timeout: time.Second})
	if _, err := c.Transcribe(context.Background(), []byte("x"), "ja"); err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("4xx must not be retried, got %d calls", n)
	}
}

func TestWhisperHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok","service":"whisper-api","model":"medium"}`)
	}))
	defer srv.Close()

	c, _ := NewWhisperHTTP(WhisperConfig{BaseURL: srv.URL})
	info, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if info["model"] != "medium" {
		t.Errorf("info = %v", info)
	}
}

func TestSpeechLanguage(t *testing.T) {
	for in, want := range map[string]string{"": "ja-JP", "ja": "ja-JP", "EN": "en-US", "fr-FR": "fr-FR"} {
		if got := speechLanguage(in); got != want {
			t.Errorf("speechLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
