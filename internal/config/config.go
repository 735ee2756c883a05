package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

// RelayConfig configures the signaling relay process.
type RelayConfig struct {
	Port                 int           `env:"PORT,default=5000" validate:"min=1,max=65535"`
	LogLevel             string        `env:"LOG_LEVEL,default=info" validate:"required"`
	RoomCodeAttempts     int           `env:"ROOM_CODE_ATTEMPTS,default=32" validate:"min=1"`
	RoomTombstoneTTL     time.Duration `env:"ROOM_TOMBSTONE_TTL,default=30s" validate:"min=0"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=64" validate:"min=1"`
	WriteTimeout         time.Duration `env:"WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	PongTimeout          time.Duration `env:"PONG_TIMEOUT,default=60s" validate:"gt=0"`
	PingInterval         time.Duration `env:"PING_INTERVAL,default=25s" validate:"gt=0,ltfield=PongTimeout"`
	MaxMessageBytes      int64         `env:"MAX_MESSAGE_BYTES,default=1048576" validate:"min=1024"`
	DatabaseURL          string        `env:"DATABASE_URL"`
	AuditBufferSize      int           `env:"AUDIT_BUFFER_SIZE,default=256" validate:"min=1"`
	SMTPHost             string        `env:"SMTP_HOST,default=smtp.gmail.com"`
	SMTPPort             int           `env:"SMTP_PORT,default=587" validate:"min=1,max=65535"`
	SMTPFrom             string        `env:"SMTP_FROM" validate:"omitempty,email"`
	SMTPPass             string        `env:"SMTP_PASS"`
	MDNSEnabled          bool          `env:"MDNS_ENABLED,default=false"`
	MDNSInstance         string        `env:"MDNS_INSTANCE"`
}

// PeerConfig configures the share/receive command line peer.
type PeerConfig struct {
	RelayURL       string        `env:"RELAY_URL" validate:"omitempty,url"`
	DeviceName     string        `env:"DEVICE_NAME" validate:"max=64"`
	DeviceType     string        `env:"DEVICE_TYPE,default=desktop" validate:"max=32"`
	ChunkSize      int           `env:"CHUNK_SIZE,default=16384" validate:"min=1024,max=1048576"`
	RoomTimeout    time.Duration `env:"ROOM_TIMEOUT,default=10s" validate:"gt=0"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT,default=20s" validate:"gt=0"`
	DownloadDir    string        `env:"DOWNLOAD_DIR"`
	// MaxFileSize caps one incoming file; files are reassembled in memory.
	MaxFileSize int    `env:"MAX_FILE_SIZE,default=2147483648" validate:"gt=0"`
	LogLevel    string `env:"LOG_LEVEL,default=info" validate:"required"`
}

// LoadDotEnv reads .env style files into the process environment.
// Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadRelay builds a RelayConfig from environ (os.Environ() form).
func LoadRelay(environ []string) (RelayConfig, error) {
	var cfg RelayConfig
	if err := unmarshal(environ, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if cfg.MDNSInstance == "" {
		cfg.MDNSInstance = hostname("quickdrop-relay")
	}
	if err := validate.Struct(cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("invalid relay config: %w", err)
	}
	return cfg, nil
}

// LoadPeer builds a PeerConfig from environ (os.Environ() form).
func LoadPeer(environ []string) (PeerConfig, error) {
	var cfg PeerConfig
	if err := unmarshal(environ, &cfg); err != nil {
		return PeerConfig{}, err
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = hostname("quickdrop-peer")
	}
	if cfg.DownloadDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		cfg.DownloadDir = filepath.Join(homeDir, "Downloads")
	}
	if err := validate.Struct(cfg); err != nil {
		return PeerConfig{}, fmt.Errorf("invalid peer config: %w", err)
	}
	return cfg, nil
}

// NewLogger returns a text logger at the named level.
func NewLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

func unmarshal(environ []string, v any) error {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if err := env.Unmarshal(es, v); err != nil {
		return fmt.Errorf("decode environment: %w", err)
	}
	return nil
}

func hostname(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
