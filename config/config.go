package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Media     MediaConfig
	ICE       ICEConfig
	Audio     AudioServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Speaker   SpeakerConfig
}

// ServerConfig holds the RPC server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// MediaConfig holds media worker and transport settings.
type MediaConfig struct {
	ListenIP     string // local bind for RTC traffic (MEDIASOUP_LISTEN_IP)
	AnnouncedIP  string // public IP injected into ICE candidates (MEDIASOUP_ANNOUNCED_IP)
	BasePort     int    // per-worker WebRTC server base port (MEDIASOUP_PORT)
	RTCBasePort  int    // start of the RTC port space shared by workers
	RTCPortSpan  int    // per-worker RTC port window size
	MaxWorkers   int    // hard cap on worker count (workers = min(cpu, MaxWorkers))
}

// ICEConfig holds optional STUN/TURN servers handed to clients.
type ICEConfig struct {
	UseICEServers bool
	STUNServerURL string
	TURNServerURL string
	TURNUsername  string
	TURNPassword  string
}

// AudioServiceConfig holds the external translation audio service endpoint.
type AudioServiceConfig struct {
	Host        string // AUDIO_SERVICE_HOST; cabin send transports dial <Host>:IngressPort
	IngressPort int    // fixed RTP ingress port on the audio service
}

// DatabaseConfig holds PostgreSQL connection settings for the stream
// session audit log. Optional: empty URL disables the log.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings (event fan-out, job queue).
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// RecordingConfig holds RTP recording tap settings.
type RecordingConfig struct {
	OutputDir string // directory for temp recording files; empty = os.TempDir()
}

// SpeakerConfig holds active-speaker tracker thresholds in milliseconds.
type SpeakerConfig struct {
	ActiveThresholdMs     int
	InactivityThresholdMs int
	SweepIntervalMs       int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "50055"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Media: MediaConfig{
			ListenIP:    getEnv("MEDIASOUP_LISTEN_IP", "0.0.0.0"),
			AnnouncedIP: getEnv("MEDIASOUP_ANNOUNCED_IP", ""),
			BasePort:    getEnvInt("MEDIASOUP_PORT", 55555),
			RTCBasePort: getEnvInt("RTC_BASE_PORT", 10000),
			RTCPortSpan: getEnvInt("RTC_PORT_SPAN", 1000),
			MaxWorkers:  getEnvInt("MAX_MEDIA_WORKERS", 16),
		},
		ICE: ICEConfig{
			UseICEServers: getEnv("USE_ICE_SERVERS", "false") == "true",
			STUNServerURL: getEnv("STUN_SERVER_URL", ""),
			TURNServerURL: getEnv("TURN_SERVER_URL", ""),
			TURNUsername:  getEnv("TURN_SERVER_USERNAME", ""),
			TURNPassword:  getEnv("TURN_SERVER_PASSWORD", ""),
		},
		Audio: AudioServiceConfig{
			Host:        getEnv("AUDIO_SERVICE_HOST", "127.0.0.1"),
			IngressPort: getEnvInt("AUDIO_SERVICE_INGRESS_PORT", 35000),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "sfu"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_RECORDINGS_BUCKET", "sfu-recordings-bucket"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Recording: RecordingConfig{
			OutputDir: getEnv("RECORDING_OUTPUT_DIR", ""),
		},
		Speaker: SpeakerConfig{
			ActiveThresholdMs:     getEnvInt("SPEAKER_ACTIVE_THRESHOLD_MS", 2000),
			InactivityThresholdMs: getEnvInt("SPEAKER_INACTIVITY_THRESHOLD_MS", 5000),
			SweepIntervalMs:       getEnvInt("SPEAKER_SWEEP_INTERVAL_MS", 5000),
		},
	}
	return cfg, nil
}

// ICEServerURLs returns configured STUN/TURN URLs, empty when disabled.
func (c ICEConfig) ICEServerURLs() []string {
	if !c.UseICEServers {
		return nil
	}
	var out []string
	for _, u := range []string{c.STUNServerURL, c.TURNServerURL} {
		if t := strings.TrimSpace(u); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
