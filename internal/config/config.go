package config

import (
	"fmt"
	"time"
)

// Config is the root server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Vector    VectorConfig    `yaml:"vector"`
	Auth      AuthConfig      `yaml:"auth"`
	STT       STTConfig       `yaml:"stt"`
	VAD       VADConfig       `yaml:"vad"`
	Voice     VoiceConfig     `yaml:"voice"`
	LLM       LLMConfig       `yaml:"llm"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Geocoding GeocodingConfig `yaml:"geocoding"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig holds local blob storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir" env:"STORAGE_DATA_DIR" env-default:"./data"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"0.0.0.0"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"30s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"15s"`
}

// MongoConfig holds document store settings.
type MongoConfig struct {
	URI      string `yaml:"uri"      env:"MONGODB_URI"      env-default:"mongodb://localhost:27017"`
	Database string `yaml:"database" env:"MONGODB_DATABASE" env-default:"sonara"`
}

// VectorConfig holds the pgvector store settings.
type VectorConfig struct {
	DSN  string `yaml:"dsn"  env:"PGVECTOR_DSN"  env-default:"postgres://localhost:5432/sonara?sslmode=disable"`
	Dims int    `yaml:"dims" env:"PGVECTOR_DIMS" env-default:"768"`
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"AUTH_JWT_SECRET" env-required:"true"`
	JWTIssuer string `yaml:"jwt_issuer" env:"AUTH_JWT_ISSUER" env-default:"sonara"`
}

// STTConfig holds transcription provider settings.
type STTConfig struct {
	Primary        string        `yaml:"primary"         env:"STT_PRIMARY"          env-default:"google"`
	Fallback       string        `yaml:"fallback"        env:"STT_FALLBACK"         env-default:"deepgram"`
	FallbackGrace  time.Duration `yaml:"fallback_grace"  env:"STT_FALLBACK_GRACE"   env-default:"5s"`
	DeepgramAPIKey string        `yaml:"deepgram_api_key" env:"DEEPGRAM_API_KEY"`
	DeepgramModel  string        `yaml:"deepgram_model"  env:"DEEPGRAM_MODEL"       env-default:"nova-2-general"`
}

// VADConfig holds voice activity detection settings.
type VADConfig struct {
	Endpoint  string  `yaml:"endpoint"  env:"VAD_ENDPOINT"`
	Threshold float64 `yaml:"threshold" env:"VAD_THRESHOLD" env-default:"0.012"`
}

// VoiceConfig holds the speaker-embedding endpoint settings. An empty
// endpoint disables the embedding pass in post-processing.
type VoiceConfig struct {
	EmbedEndpoint string `yaml:"embed_endpoint" env:"VOICE_EMBED_ENDPOINT"`
}

// LLMConfig holds language model settings.
type LLMConfig struct {
	GeminiAPIKey   string `yaml:"gemini_api_key"  env:"GEMINI_API_KEY" env-required:"true"`
	Model          string `yaml:"model"           env:"LLM_MODEL"           env-default:"gemini-2.0-flash"`
	EmbeddingModel string `yaml:"embedding_model" env:"LLM_EMBEDDING_MODEL" env-default:"text-embedding-004"`
}

// PipelineConfig holds the conversation lifecycle and memory extraction knobs.
type PipelineConfig struct {
	DeviceSilenceTimeout   time.Duration `yaml:"device_silence_timeout"   env:"PIPELINE_DEVICE_SILENCE_TIMEOUT"   env-default:"120s"`
	DesktopSilenceTimeout  time.Duration `yaml:"desktop_silence_timeout"  env:"PIPELINE_DESKTOP_SILENCE_TIMEOUT"  env-default:"45s"`
	MemoryDedupSimilarity  float64       `yaml:"memory_dedup_similarity"  env:"PIPELINE_MEMORY_DEDUP_SIMILARITY"  env-default:"0.85"`
	MemoryContextLimit     int           `yaml:"memory_context_limit"     env:"PIPELINE_MEMORY_CONTEXT_LIMIT"     env-default:"100"`
	PostprocessMinDuration time.Duration `yaml:"postprocess_min_duration" env:"PIPELINE_POSTPROCESS_MIN_DURATION" env-default:"10s"`
	CalendarOverlapMin     time.Duration `yaml:"calendar_overlap_min"     env:"PIPELINE_CALENDAR_OVERLAP_MIN"     env-default:"5m"`
	CalendarOverlapMinPct  float64       `yaml:"calendar_overlap_min_pct" env:"PIPELINE_CALENDAR_OVERLAP_MIN_PCT" env-default:"0.5"`
	SpeakerMatchThreshold  float64       `yaml:"speaker_match_threshold"  env:"PIPELINE_SPEAKER_MATCH_THRESHOLD"  env-default:"0.5"`
}

// GeocodingConfig holds reverse geocoding settings.
type GeocodingConfig struct {
	Endpoint string `yaml:"endpoint" env:"GEOCODING_ENDPOINT"`
	APIKey   string `yaml:"api_key"  env:"GEOCODING_API_KEY"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// SilenceTimeout returns the server-side silence limit for a source. Clients
// may request a shorter window, never a longer one.
func (c PipelineConfig) SilenceTimeout(source string) time.Duration {
	if source == "desktop" {
		return c.DesktopSilenceTimeout
	}
	return c.DeviceSilenceTimeout
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.STT.Primary == c.STT.Fallback {
		return fmt.Errorf("stt primary and fallback must differ, both are %q", c.STT.Primary)
	}
	if c.Pipeline.MemoryDedupSimilarity <= 0 || c.Pipeline.MemoryDedupSimilarity > 1 {
		return fmt.Errorf("memory_dedup_similarity must be in (0, 1], got %f", c.Pipeline.MemoryDedupSimilarity)
	}
	if c.Pipeline.CalendarOverlapMinPct < 0 || c.Pipeline.CalendarOverlapMinPct > 1 {
		return fmt.Errorf("calendar_overlap_min_pct must be in [0, 1], got %f", c.Pipeline.CalendarOverlapMinPct)
	}
	if c.Vector.Dims <= 0 {
		return fmt.Errorf("vector dims must be positive, got %d", c.Vector.Dims)
	}
	return nil
}
