package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/exam-proctor/backend/internal/gate"
	"github.com/exam-proctor/backend/internal/lifecycle"
	"github.com/exam-proctor/backend/internal/session"
	"github.com/exam-proctor/backend/internal/violation"
)

type Config struct {
	Server     ServerConfig         `yaml:"server" toml:"server"`
	Exam       ExamConfig           `yaml:"exam" toml:"exam"`
	Thresholds violation.Thresholds `yaml:"thresholds" toml:"thresholds"`
	Intervals  IntervalConfig       `yaml:"intervals" toml:"intervals"`
	Storage    StorageConfig        `yaml:"storage" toml:"storage"`
	Admin      AdminConfig          `yaml:"admin" toml:"admin"`
	Audit      AuditConfig          `yaml:"audit" toml:"audit"`
	Broadcast  BroadcastConfig      `yaml:"broadcast" toml:"broadcast"`
	Logging    LoggingConfig        `yaml:"logging" toml:"logging"`
	Privacy    PrivacyConfig        `yaml:"privacy" toml:"privacy"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" toml:"port"`
	Host           string   `yaml:"host" toml:"host"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	// StaticDir holds the candidate pages served at /. Empty serves nothing.
	StaticDir string `yaml:"static_dir" toml:"static_dir"`
}

// ExamConfig is the exam window and per-session timing. A zero Start or End
// leaves that side of the window open.
type ExamConfig struct {
	Start         time.Time     `yaml:"start" toml:"start"`
	End           time.Time     `yaml:"end" toml:"end"`
	Duration      time.Duration `yaml:"duration" toml:"duration"`
	AdvisoryAt    time.Duration `yaml:"advisory_at" toml:"advisory_at"`
	SubmitGrace   time.Duration `yaml:"submit_grace" toml:"submit_grace"`
	SubmitTimeout time.Duration `yaml:"submit_timeout" toml:"submit_timeout"`
}

// IntervalConfig sets the sampling cadence of each signal.
type IntervalConfig struct {
	FaceFrame        time.Duration `yaml:"face_frame" toml:"face_frame"`
	Voice            time.Duration `yaml:"voice" toml:"voice"`
	Phone            time.Duration `yaml:"phone" toml:"phone"`
	Connectivity     time.Duration `yaml:"connectivity" toml:"connectivity"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

type StorageConfig struct {
	Database     string `yaml:"database" toml:"database"`
	EvidenceDir  string `yaml:"evidence_dir" toml:"evidence_dir"`
	MinFreeBytes uint64 `yaml:"min_free_bytes" toml:"min_free_bytes"`
}

// AdminConfig holds the single administrator account. PasswordHash is a
// bcrypt hash; an empty hash disables the admin routes.
type AdminConfig struct {
	Email        string        `yaml:"email" toml:"email"`
	PasswordHash string        `yaml:"password_hash" toml:"password_hash"`
	TokenTTL     time.Duration `yaml:"token_ttl" toml:"token_ttl"`
}

type AuditConfig struct {
	Workers int `yaml:"workers" toml:"workers"`
}

type BroadcastConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval" toml:"snapshot_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	SendBuffer       int           `yaml:"send_buffer" toml:"send_buffer"`
	MaxObservers     int           `yaml:"max_observers" toml:"max_observers"` // zero is unlimited
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// PrivacyConfig controls what observers see of candidate identities.
type PrivacyConfig struct {
	MaskCandidateIDs bool `yaml:"mask_candidate_ids" toml:"mask_candidate_ids"`
	MaskNames        bool `yaml:"mask_names" toml:"mask_names"`
}

// NewPrivacyFilter creates a session.PrivacyFilter from the config.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskCandidateIDs: p.MaskCandidateIDs,
		MaskNames:        p.MaskNames,
	}
}

// Lifecycle returns the per-session timing used by the lifecycle controller.
func (e ExamConfig) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Duration:      e.Duration,
		AdvisoryAt:    e.AdvisoryAt,
		SubmitTimeout: e.SubmitTimeout,
	}
}

// Window returns the admission window enforced by the gate.
func (e ExamConfig) Window() gate.Window {
	return gate.Window{Start: e.Start, End: e.End, Grace: e.SubmitGrace}
}

func defaultConfig() *Config {
	lc := lifecycle.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Exam: ExamConfig{
			Duration:      lc.Duration,
			AdvisoryAt:    lc.AdvisoryAt,
			SubmitTimeout: lc.SubmitTimeout,
		},
		Thresholds: violation.DefaultThresholds(),
		Intervals: IntervalConfig{
			FaceFrame:        200 * time.Millisecond,
			Voice:            time.Second,
			Phone:            2 * time.Second,
			Connectivity:     time.Second,
			HeartbeatTimeout: 2 * time.Second,
		},
		Storage: StorageConfig{
			Database:     "data/exam.db",
			EvidenceDir:  "data/evidence",
			MinFreeBytes: 64 << 20,
		},
		Admin: AdminConfig{
			TokenTTL: 12 * time.Hour,
		},
		Audit: AuditConfig{
			Workers: 8,
		},
		Broadcast: BroadcastConfig{
			SnapshotInterval: 5 * time.Second,
			WriteTimeout:     5 * time.Second,
			SendBuffer:       64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

// Load reads a YAML or TOML file, chosen by extension, on top of the
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the config at path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !c.Exam.Start.IsZero() && !c.Exam.End.IsZero() && !c.Exam.End.After(c.Exam.Start) {
		return errors.New("exam.end must be after exam.start")
	}
	if c.Exam.Duration <= 0 {
		return errors.New("exam.duration must be positive")
	}
	if c.Exam.AdvisoryAt < 0 || c.Exam.AdvisoryAt >= c.Exam.Duration {
		return errors.New("exam.advisory_at must be within the exam duration")
	}
	if c.Exam.SubmitGrace < 0 {
		return errors.New("exam.submit_grace must not be negative")
	}

	th := c.Thresholds
	if th.FaceAbsence <= 0 || th.MultiFace <= 0 {
		return errors.New("thresholds: face durations must be positive")
	}
	if th.VoiceTriggerAt <= 0 || th.VoiceWarnAt >= th.VoiceTriggerAt {
		return errors.New("thresholds: voice_warn_at must be below voice_trigger_at")
	}
	if th.OfflineTriggerAt <= 0 || th.OfflineWarnAt >= th.OfflineTriggerAt {
		return errors.New("thresholds: offline_warn_at must be below offline_trigger_at")
	}
	if th.PhoneConfidence < 0 || th.PhoneConfidence >= 1 {
		return errors.New("thresholds: phone_confidence must be in [0, 1)")
	}

	iv := c.Intervals
	if iv.FaceFrame <= 0 || iv.Voice <= 0 || iv.Phone <= 0 || iv.Connectivity <= 0 {
		return errors.New("intervals must be positive")
	}
	if iv.HeartbeatTimeout < iv.Connectivity {
		return errors.New("intervals.heartbeat_timeout must not be shorter than intervals.connectivity")
	}

	if c.Storage.Database == "" {
		return errors.New("storage.database is required")
	}
	if c.Audit.Workers <= 0 {
		return errors.New("audit.workers must be positive")
	}
	if c.Broadcast.SendBuffer <= 0 {
		return errors.New("broadcast.send_buffer must be positive")
	}
	if c.Broadcast.MaxObservers < 0 {
		return errors.New("broadcast.max_observers must not be negative")
	}
	return nil
}
