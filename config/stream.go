package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamConfig holds the tunables of the streaming pipeline.
type StreamConfig struct {
	Sessions       SessionsConfig       `yaml:"sessions"`
	Batch          BatchConfig          `yaml:"batch"`
	Audio          AudioConfig          `yaml:"audio"`
	Transcriber    TranscriberConfig    `yaml:"transcriber"`
	Classification ClassificationConfig `yaml:"classification"`
	Store          StoreConfig          `yaml:"store"`
	Workers        WorkersConfig        `yaml:"workers"`
}

type SessionsConfig struct {
	MaxSessions           int           `yaml:"max_sessions"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	EstimatedWaitPerEntry time.Duration `yaml:"estimated_wait_per_entry"`
	DefaultLanguage       string        `yaml:"default_language"`
}

type BatchConfig struct {
	MinBatchSize       int           `yaml:"min_batch_size"`
	MaxBatchSize       int           `yaml:"max_batch_size"`
	UncertainThreshold float64       `yaml:"uncertain_threshold"`
	TranscribeTimeout  time.Duration `yaml:"transcribe_timeout"`
}

type AudioConfig struct {
	Format         string        `yaml:"format"` // pcm16|wav
	SampleRate     int           `yaml:"sample_rate"`
	ChunkRetention time.Duration `yaml:"chunk_retention"` // 0 keeps payloads until close
	ArchiveBucket  string        `yaml:"archive_bucket"`
	MaxSeqJump     int           `yaml:"max_seq_jump"` // 0 disables
}

type TranscriberConfig struct {
	Provider      string        `yaml:"provider"` // whisper|google
	WhisperURL    string        `yaml:"whisper_url"`
	InitialPrompt string        `yaml:"initial_prompt"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type ClassificationConfig struct {
	Project  string        `yaml:"project"`
	Location string        `yaml:"location"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

type StoreConfig struct {
	Sessions       string        `yaml:"sessions"` // mongo|redis|sqlite
	SQLitePath     string        `yaml:"sqlite_path"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	ReviewCacheTTL time.Duration `yaml:"review_cache_ttl"`
	MirrorEvents   bool          `yaml:"mirror_events"`
}

type WorkersConfig struct {
	ReviewWorkers int `yaml:"review_workers"`
}

// DefaultStreamConfig returns the built-in defaults.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Sessions: SessionsConfig{
			MaxSessions:           1,
			IdleTimeout:           60 * time.Second,
			SweepInterval:         30 * time.Second,
			EstimatedWaitPerEntry: 30 * time.Second,
			DefaultLanguage:       "ja",
		},
		Batch: BatchConfig{
			MinBatchSize:       3,
			MaxBatchSize:       10,
			UncertainThreshold: 0.6,
			TranscribeTimeout:  60 * time.Second,
		},
		Audio: AudioConfig{
			Format:     "pcm16",
			SampleRate: 16000,
			MaxSeqJump: 1000,
		},
		Transcriber: TranscriberConfig{
			Provider:      "whisper",
			WhisperURL:    "http://localhost:9000",
			Timeout:       120 * time.Second,
			MaxRetries:    3,
			MaxConcurrent: 4,
		},
		Classification: ClassificationConfig{
			Location: "asia-northeast1",
			Model:    "gemini-2.0-flash",
			Timeout:  60 * time.Second,
		},
		Store: StoreConfig{
			Sessions:       "mongo",
			SQLitePath:     "livescribe.db",
			PersistTimeout: 30 * time.Second,
			ReviewCacheTTL: 10 * time.Minute,
		},
		Workers: WorkersConfig{ReviewWorkers: 2},
	}
}

// LoadStreamConfig builds the config from defaults, the YAML file named by
// STREAM_CONFIG_FILE (if any) and environment overrides.
func LoadStreamConfig() (*StreamConfig, error) {
	cfg := DefaultStreamConfig()

	if path := os.Getenv("STREAM_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

type envLookup func(string) (string, bool)

func (c *StreamConfig) applyEnv(lookup envLookup) error {
	ints := map[string]*int{
		"MAX_SESSIONS":   &c.Sessions.MaxSessions,
		"MIN_BATCH_SIZE": &c.Batch.MinBatchSize,
		"MAX_BATCH_SIZE": &c.Batch.MaxBatchSize,
		"SAMPLE_RATE":    &c.Audio.SampleRate,
		"MAX_SEQ_JUMP":   &c.Audio.MaxSeqJump,
		"STT_RETRIES":    &c.Transcriber.MaxRetries,
		"STT_CONCURRENT": &c.Transcriber.MaxConcurrent,
		"REVIEW_WORKERS": &c.Workers.ReviewWorkers,
	}
	for k, dst := range ints {
		if v, ok := lookup(k); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"IDLE_TIMEOUT":       &c.Sessions.IdleTimeout,
		"SWEEP_INTERVAL":     &c.Sessions.SweepInterval,
		"QUEUE_WAIT":         &c.Sessions.EstimatedWaitPerEntry,
		"TRANSCRIBE_TIMEOUT": &c.Batch.TranscribeTimeout,
		"CHUNK_RETENTION":    &c.Audio.ChunkRetention,
		"STT_TIMEOUT":        &c.Transcriber.Timeout,
		"CLASSIFY_TIMEOUT":   &c.Classification.Timeout,
		"PERSIST_TIMEOUT":    &c.Store.PersistTimeout,
		"REVIEW_CACHE_TTL":   &c.Store.ReviewCacheTTL,
	}
	for k, dst := range durations {
		if v, ok := lookup(k); ok && v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			*dst = d
		}
	}

	strs := map[string]*string{
		"DEFAULT_LANGUAGE":   &c.Sessions.DefaultLanguage,
		"AUDIO_FORMAT":       &c.Audio.Format,
		"GCS_ARCHIVE_BUCKET": &c.Audio.ArchiveBucket,
		"TRANSCRIBER":        &c.Transcriber.Provider,
		"WHISPER_URL":        &c.Transcriber.WhisperURL,
		"WHISPER_PROMPT":     &c.Transcriber.InitialPrompt,
		"GCP_PROJECT":        &c.Classification.Project,
		"VERTEX_LOCATION":    &c.Classification.Location,
		"VERTEX_MODEL":       &c.Classification.Model,
		"SESSION_STORE":      &c.Store.Sessions,
		"SQLITE_PATH":        &c.Store.SQLitePath,
	}
	for k, dst := range strs {
		if v, ok := lookup(k); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	if v, ok := lookup("UNCERTAIN_THRESHOLD"); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("UNCERTAIN_THRESHOLD: %w", err)
		}
		c.Batch.UncertainThreshold = f
	}
	if v, ok := lookup("MIRROR_EVENTS"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("MIRROR_EVENTS: %w", err)
		}
		c.Store.MirrorEvents = b
	}
	return nil
}

// Validate checks every section.
func (c *StreamConfig) Validate() error {
	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Transcriber.Validate(); err != nil {
		return fmt.Errorf("transcriber config: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if c.Classification.Timeout <= 0 {
		return fmt.Errorf("classification config: timeout must be positive")
	}
	return nil
}

func (s *SessionsConfig) Validate() error {
	if s.MaxSessions < 1 {
		return fmt.Errorf("max_sessions must be at least 1, got %d", s.MaxSessions)
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive, got %s", s.IdleTimeout)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", s.SweepInterval)
	}
	if s.EstimatedWaitPerEntry < 0 {
		return fmt.Errorf("estimated_wait_per_entry cannot be negative")
	}
	return nil
}

func (b *BatchConfig) Validate() error {
	if b.MinBatchSize < 1 {
		return fmt.Errorf("min_batch_size must be at least 1, got %d", b.MinBatchSize)
	}
	if b.MaxBatchSize < b.MinBatchSize {
		return fmt.Errorf("max_batch_size (%d) must be >= min_batch_size (%d)", b.MaxBatchSize, b.MinBatchSize)
	}
	if b.UncertainThreshold < 0 || b.UncertainThreshold > 1 {
		return fmt.Errorf("uncertain_threshold must be between 0 and 1, got %f", b.UncertainThreshold)
	}
	if b.TranscribeTimeout <= 0 {
		return fmt.Errorf("transcribe_timeout must be positive")
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	switch a.Format {
	case "pcm16", "wav":
	default:
		return fmt.Errorf("format must be 'pcm16' or 'wav', got '%s'", a.Format)
	}
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}
	if a.MaxSeqJump < 0 {
		return fmt.Errorf("max_seq_jump cannot be negative")
	}
	if a.ChunkRetention < 0 {
		return fmt.Errorf("chunk_retention cannot be negative")
	}
	if a.ChunkRetention > 0 && a.ArchiveBucket != "" {
		return fmt.Errorf("chunk_retention must be 0 when archive_bucket is set")
	}
	return nil
}

func (t *TranscriberConfig) Validate() error {
	switch t.Provider {
	case "whisper":
		if t.WhisperURL == "" {
			return fmt.Errorf("whisper_url cannot be empty")
		}
	case "google":
	default:
		return fmt.Errorf("provider must be 'whisper' or 'google', got '%s'", t.Provider)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}
	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}
	return nil
}

func (s *StoreConfig) Validate() error {
	switch s.Sessions {
	case "mongo", "redis":
	case "sqlite":
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlite_path cannot be empty")
		}
	default:
		return fmt.Errorf("sessions must be one of [mongo, redis, sqlite], got '%s'", s.Sessions)
	}
	if s.PersistTimeout <= 0 {
		return fmt.Errorf("persist_timeout must be positive")
	}
	return nil
}
