package config

import (
	"errors"
	"fmt"
	"time"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/protocol"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var (
	ErrInvalidBufferConfig        = errors.New("buffered amount low threshold must be less than max buffered amount")
	ErrInvalidChunkSize           = errors.New("chunk size must be between 1 byte and 64 MiB")
	ErrInvalidCheckpointChunks    = errors.New("checkpoint chunks must be greater than 0")
	ErrInvalidMessageSize         = errors.New("max message size must fit a full frame")
	ErrInvalidFirebaseConfig      = errors.New("Firebase credentials path must be set")
	ErrInvalidFirebaseProjectID   = errors.New("Firebase project ID must be set")
	ErrInvalidFirebaseDatabaseURL = errors.New("Firebase database URL must be set")
	ErrInvalidSignalMode          = errors.New("signal mode must be firebase or manual")
	ErrInvalidIdentityMode        = errors.New("identity mode must be metadata or content")
	ErrInvalidCheckpointBackend   = errors.New("checkpoint backend must be sqlite, file or memory")
	ErrInvalidLogFormat           = errors.New("log format must be text or json")
)

const (
	SignalFirebase = "firebase"
	SignalManual   = "manual"

	IdentityMetadata = "metadata"
	IdentityContent  = "content"
)

// Config holds all application configuration
type Config struct {
	WebRTC     WebRTCConfig     `mapstructure:"webrtc"`
	Firebase   FirebaseConfig   `mapstructure:"firebase"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Log        LogConfig        `mapstructure:"log"`
}

// WebRTCConfig holds WebRTC-specific configuration. The buffered amount
// thresholds are the backpressure watermarks of the transfer.
type WebRTCConfig struct {
	ICEServers                 []webrtc.ICEServer `mapstructure:"ice_servers"`
	BufferedAmountLowThreshold uint64             `mapstructure:"buffered_amount_low_threshold"`
	MaxBufferedAmount          uint64             `mapstructure:"max_buffered_amount"`
	MaxMessageSize             uint32             `mapstructure:"max_message_size"`
	ReadyTimeout               time.Duration      `mapstructure:"ready_timeout"`
}

// FirebaseConfig holds Firebase client configuration
type FirebaseConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatabaseURL     string `mapstructure:"database_url"`
	CredentialsPath string `mapstructure:"credentials_path"`
}

// SignalConfig selects how SDP is exchanged.
type SignalConfig struct {
	Mode         string        `mapstructure:"mode"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	AnswerWait   time.Duration `mapstructure:"answer_wait"`
}

type TransferConfig struct {
	ChunkSize        int           `mapstructure:"chunk_size"`
	CheckpointChunks int           `mapstructure:"checkpoint_chunks"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxPendingFrames int           `mapstructure:"max_pending_frames"`
	Identity         string        `mapstructure:"identity"`
	Username         string        `mapstructure:"username"`
	AutoAccept       bool          `mapstructure:"auto_accept"`
}

type CheckpointConfig struct {
	Backend   string        `mapstructure:"backend"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		WebRTC: WebRTCConfig{
			ICEServers: []webrtc.ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
			BufferedAmountLowThreshold: protocol.BufferLowWatermark,
			MaxBufferedAmount:          protocol.BufferHighWatermark,
			MaxMessageSize:             protocol.HeaderSize + protocol.MaxChunkSize,
			ReadyTimeout:               30 * time.Second,
		},
		Signal: SignalConfig{
			Mode:         SignalFirebase,
			PollInterval: 5 * time.Second,
			AnswerWait:   5 * time.Minute,
		},
		Transfer: TransferConfig{
			ChunkSize:        protocol.ChunkSize,
			CheckpointChunks: protocol.CheckpointChunks,
			PollInterval:     100 * time.Millisecond,
			MaxPendingFrames: 64,
			Identity:         IdentityMetadata,
		},
		Checkpoint: CheckpointConfig{
			Backend:   "sqlite",
			Path:      "checkpoints.db",
			Retention: checkpoint.DefaultRetention,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every scalar default with v so environment
// variables and flags can override keys absent from the config file.
func SetDefaults(v *viper.Viper) {
	d := NewDefaultConfig()
	for key, value := range map[string]any{
		"webrtc.buffered_amount_low_threshold": d.WebRTC.BufferedAmountLowThreshold,
		"webrtc.max_buffered_amount":           d.WebRTC.MaxBufferedAmount,
		"webrtc.max_message_size":              d.WebRTC.MaxMessageSize,
		"webrtc.ready_timeout":                 d.WebRTC.ReadyTimeout,
		"firebase.project_id":                  d.Firebase.ProjectID,
		"firebase.database_url":                d.Firebase.DatabaseURL,
		"firebase.credentials_path":            d.Firebase.CredentialsPath,
		"signal.mode":                          d.Signal.Mode,
		"signal.poll_interval":                 d.Signal.PollInterval,
		"signal.answer_wait":                   d.Signal.AnswerWait,
		"transfer.chunk_size":                  d.Transfer.ChunkSize,
		"transfer.checkpoint_chunks":           d.Transfer.CheckpointChunks,
		"transfer.poll_interval":               d.Transfer.PollInterval,
		"transfer.max_pending_frames":          d.Transfer.MaxPendingFrames,
		"transfer.identity":                    d.Transfer.Identity,
		"transfer.username":                    d.Transfer.Username,
		"transfer.auto_accept":                 d.Transfer.AutoAccept,
		"checkpoint.backend":                   d.Checkpoint.Backend,
		"checkpoint.path":                      d.Checkpoint.Path,
		"checkpoint.retention":                 d.Checkpoint.Retention,
		"log.level":                            d.Log.Level,
		"log.format":                           d.Log.Format,
	} {
		v.SetDefault(key, value)
	}
}

// Load overlays the values found in v on the defaults and validates the
// result.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.WebRTC.BufferedAmountLowThreshold >= c.WebRTC.MaxBufferedAmount {
		return ErrInvalidBufferConfig
	}
	if c.Transfer.ChunkSize <= 0 || c.Transfer.ChunkSize > protocol.MaxChunkSize {
		return ErrInvalidChunkSize
	}
	if c.Transfer.CheckpointChunks <= 0 {
		return ErrInvalidCheckpointChunks
	}
	if c.WebRTC.MaxMessageSize > 0 && int(c.WebRTC.MaxMessageSize) < protocol.HeaderSize+c.Transfer.ChunkSize {
		return ErrInvalidMessageSize
	}
	switch c.Transfer.Identity {
	case IdentityMetadata, IdentityContent:
	default:
		return ErrInvalidIdentityMode
	}
	switch c.Checkpoint.Backend {
	case "sqlite", "file", "memory":
	default:
		return ErrInvalidCheckpointBackend
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	switch c.Signal.Mode {
	case SignalManual:
		return nil
	case SignalFirebase:
		return c.Firebase.validate()
	default:
		return ErrInvalidSignalMode
	}
}

func (f FirebaseConfig) validate() error {
	if f.CredentialsPath == "" {
		return ErrInvalidFirebaseConfig
	}
	if f.ProjectID == "" {
		return ErrInvalidFirebaseProjectID
	}
	if f.DatabaseURL == "" {
		return ErrInvalidFirebaseDatabaseURL
	}
	return nil
}
