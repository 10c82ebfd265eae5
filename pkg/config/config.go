package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Stream   StreamConfig   `yaml:"stream"`
	Registry RegistryConfig `yaml:"registry"`
	Storage  StorageConfig  `yaml:"storage"`
	Provider ProviderConfig `yaml:"provider"`
	Policy   PolicyConfig   `yaml:"policy"`
	Log      LogConfig      `yaml:"log"`
	Debug    bool           `yaml:"debug"`
}

type HTTPConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	SessionSecret   string        `yaml:"session_secret"`
	CookieName      string        `yaml:"cookie_name"`
	SessionLifetime time.Duration `yaml:"session_lifetime"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxUploadMB     int64         `yaml:"max_upload_mb"`
	LiveInterval    time.Duration `yaml:"live_interval"`
}

type StreamConfig struct {
	DefaultTitle     string        `yaml:"default_title"`
	MaxDurationHours int           `yaml:"max_duration_hours"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	SettleTimeout    time.Duration `yaml:"settle_timeout"`
	SettlePoll       time.Duration `yaml:"settle_poll"`
}

type RegistryConfig struct {
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`
	MaxAge          time.Duration `yaml:"max_age"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
}

type StorageConfig struct {
	UploadDir         string        `yaml:"upload_dir"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
}

type ProviderConfig struct {
	APIBaseURL    string        `yaml:"api_base_url"`
	HTTPUserAgent string        `yaml:"http_user_agent"`
	Timeout       time.Duration `yaml:"timeout"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	ChunkSize     uint32        `yaml:"chunk_size"`
	DryRun        bool          `yaml:"dry_run"`
}

type PolicyConfig struct {
	MaxWidth             int  `yaml:"max_width"`
	MaxHeight            int  `yaml:"max_height"`
	AllowNoAudio         bool `yaml:"allow_no_audio"`
	RejectIfVideoNotH264 bool `yaml:"reject_if_video_not_h264"`
	RejectIfAudioNotAAC  bool `yaml:"reject_if_audio_not_aac"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			ListenAddr:      ":5000",
			SessionSecret:   "",
			CookieName:      "instream",
			SessionLifetime: 12 * 24 * time.Hour,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			MaxUploadMB:     1000,
			LiveInterval:    5 * time.Second,
		},
		Stream: StreamConfig{
			DefaultTitle:     "LIVE",
			MaxDurationHours: 24,
			SettleDelay:      500 * time.Millisecond,
			SettleTimeout:    10 * time.Second,
			SettlePoll:       250 * time.Millisecond,
		},
		Registry: RegistryConfig{
			ReclaimInterval: 10 * time.Minute,
			MaxAge:          24 * time.Hour,
			StopTimeout:     15 * time.Second,
		},
		Storage: StorageConfig{
			UploadDir:         "static/upload",
			AllowedExtensions: []string{"mp4", "avi", "mov", "mkv", "flv", "wmv"},
			DownloadTimeout:   10 * time.Minute,
		},
		Provider: ProviderConfig{
			APIBaseURL:    "https://i.instagram.com",
			HTTPUserAgent: "instream-live-server/2.0",
			Timeout:       15 * time.Second,
			FFmpegPath:    "ffmpeg",
			ChunkSize:     4096,
			DryRun:        false,
		},
		Policy: PolicyConfig{
			MaxWidth:             1920,
			MaxHeight:            1920,
			AllowNoAudio:         true,
			RejectIfVideoNotH264: false,
			RejectIfAudioNotAAC:  false,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Dir:        "logs",
			MaxSizeMB:  10,
			MaxBackups: 10,
		},
		Debug: false,
	}
}

// Load returns the defaults overridden by environment variables.
func Load() Config {
	cfg := DefaultConfig()
	applyEnv(&cfg)
	return cfg
}

// LoadFile applies a YAML file on top of the defaults, then the environment.
// An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func (c Config) Validate() error {
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http listen addr empty")
	}
	if c.Stream.MaxDurationHours <= 0 {
		return fmt.Errorf("max stream duration must be positive")
	}
	if c.Storage.UploadDir == "" {
		return fmt.Errorf("upload dir empty")
	}
	if len(c.Storage.AllowedExtensions) == 0 {
		return fmt.Errorf("no allowed video extensions")
	}
	if c.Registry.MaxAge <= 0 {
		return fmt.Errorf("registry max age must be positive")
	}
	if c.HTTP.MaxUploadMB <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}
	return nil
}

// MaxUploadBytes is the request body limit for uploads.
func (c Config) MaxUploadBytes() int64 {
	return c.HTTP.MaxUploadMB * 1024 * 1024
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTP.ListenAddr = v
	} else if host, port := os.Getenv("FLASK_HOST"), os.Getenv("FLASK_PORT"); port != "" {
		cfg.HTTP.ListenAddr = host + ":" + port
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.HTTP.SessionSecret = v
	} else if v := os.Getenv("FLASK_SECRET_KEY"); v != "" {
		cfg.HTTP.SessionSecret = v
	}
	if v := os.Getenv("SESSION_COOKIE_NAME"); v != "" {
		cfg.HTTP.CookieName = v
	}
	if v := os.Getenv("SESSION_LIFETIME"); v != "" {
		cfg.HTTP.SessionLifetime = parseDuration(v, cfg.HTTP.SessionLifetime)
	}
	if v := os.Getenv("HTTP_READ_TIMEOUT"); v != "" {
		cfg.HTTP.ReadTimeout = parseDuration(v, cfg.HTTP.ReadTimeout)
	}
	if v := os.Getenv("HTTP_WRITE_TIMEOUT"); v != "" {
		cfg.HTTP.WriteTimeout = parseDuration(v, cfg.HTTP.WriteTimeout)
	}
	if v := os.Getenv("MAX_FILE_SIZE_MB"); v != "" {
		cfg.HTTP.MaxUploadMB = parseInt64(v, cfg.HTTP.MaxUploadMB)
	}
	if v := os.Getenv("LIVE_INTERVAL"); v != "" {
		cfg.HTTP.LiveInterval = parseDuration(v, cfg.HTTP.LiveInterval)
	}

	if v := os.Getenv("DEFAULT_LIVE_TITLE"); v != "" {
		cfg.Stream.DefaultTitle = v
	}
	if v := os.Getenv("MAX_STREAM_DURATION_HOURS"); v != "" {
		cfg.Stream.MaxDurationHours = parseInt(v, cfg.Stream.MaxDurationHours)
	}
	if v := os.Getenv("SETTLE_DELAY"); v != "" {
		cfg.Stream.SettleDelay = parseDuration(v, cfg.Stream.SettleDelay)
	}
	if v := os.Getenv("SETTLE_TIMEOUT"); v != "" {
		cfg.Stream.SettleTimeout = parseDuration(v, cfg.Stream.SettleTimeout)
	}
	if v := os.Getenv("SETTLE_POLL"); v != "" {
		cfg.Stream.SettlePoll = parseDuration(v, cfg.Stream.SettlePoll)
	}

	if v := os.Getenv("RECLAIM_INTERVAL"); v != "" {
		cfg.Registry.ReclaimInterval = parseDuration(v, cfg.Registry.ReclaimInterval)
	}
	if v := os.Getenv("RECLAIM_MAX_AGE"); v != "" {
		cfg.Registry.MaxAge = parseDuration(v, cfg.Registry.MaxAge)
	}
	if v := os.Getenv("STOP_TIMEOUT"); v != "" {
		cfg.Registry.StopTimeout = parseDuration(v, cfg.Registry.StopTimeout)
	}

	if v := os.Getenv("UPLOAD_FOLDER"); v != "" {
		cfg.Storage.UploadDir = v
	}
	if v := os.Getenv("ALLOWED_VIDEO_EXTENSIONS"); v != "" {
		cfg.Storage.AllowedExtensions = parseList(v, cfg.Storage.AllowedExtensions)
	}
	if v := os.Getenv("DOWNLOAD_TIMEOUT"); v != "" {
		cfg.Storage.DownloadTimeout = parseDuration(v, cfg.Storage.DownloadTimeout)
	}

	if v := os.Getenv("PROVIDER_API_URL"); v != "" {
		cfg.Provider.APIBaseURL = v
	}
	if v := os.Getenv("PROVIDER_USER_AGENT"); v != "" {
		cfg.Provider.HTTPUserAgent = v
	}
	if v := os.Getenv("PROVIDER_TIMEOUT"); v != "" {
		cfg.Provider.Timeout = parseDuration(v, cfg.Provider.Timeout)
	}
	if v := os.Getenv("FFMPEG_PATH"); v != "" {
		cfg.Provider.FFmpegPath = v
	}
	if v := os.Getenv("RTMP_CHUNK_SIZE"); v != "" {
		cfg.Provider.ChunkSize = uint32(parseInt64(v, int64(cfg.Provider.ChunkSize)))
	}
	if v := os.Getenv("PROVIDER_DRY_RUN"); v != "" {
		cfg.Provider.DryRun = parseBool(v, cfg.Provider.DryRun)
	}

	if v := os.Getenv("MAX_WIDTH"); v != "" {
		cfg.Policy.MaxWidth = parseInt(v, cfg.Policy.MaxWidth)
	}
	if v := os.Getenv("MAX_HEIGHT"); v != "" {
		cfg.Policy.MaxHeight = parseInt(v, cfg.Policy.MaxHeight)
	}
	if v := os.Getenv("ALLOW_NO_AUDIO"); v != "" {
		cfg.Policy.AllowNoAudio = parseBool(v, cfg.Policy.AllowNoAudio)
	}
	if v := os.Getenv("REJECT_IF_VIDEO_NOT_H264"); v != "" {
		cfg.Policy.RejectIfVideoNotH264 = parseBool(v, cfg.Policy.RejectIfVideoNotH264)
	}
	if v := os.Getenv("REJECT_IF_AUDIO_NOT_AAC"); v != "" {
		cfg.Policy.RejectIfAudioNotAAC = parseBool(v, cfg.Policy.RejectIfAudioNotAAC)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_FOLDER"); v != "" {
		cfg.Log.Dir = v
	}

	if v := os.Getenv("DEBUG"); v != "" {
		cfg.Debug = parseBool(v, cfg.Debug)
	} else if v := os.Getenv("FLASK_DEBUG"); v != "" {
		cfg.Debug = parseBool(v, cfg.Debug)
	}
}

func parseBool(value string, fallback bool) bool {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return v
}

func parseInt(value string, fallback int) int {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return v
}

func parseInt64(value string, fallback int64) int64 {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return v
}

func parseList(value string, fallback []string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(item), ".")))
		if item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
