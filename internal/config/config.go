package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

var ErrMissingRefreshToken = errors.New("missing camera refresh token (CAMERA_REFRESH_TOKEN)")

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Media   MediaConfig    `mapstructure:"media"`
	Ingest  IngestConfig   `mapstructure:"ingest"`
	Talk    TalkConfig     `mapstructure:"talk"`
	Camera  CameraConfig   `mapstructure:"camera"`
	Cameras []CameraDevice `mapstructure:"cameras"`
}

// MediaConfig configures the router transports.
type MediaConfig struct {
	ListenIP    string `mapstructure:"listen_ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
	RTCMinPort  uint16 `mapstructure:"rtc_min_port"`
	RTCMaxPort  uint16 `mapstructure:"rtc_max_port"`
}

// IngestConfig holds the fixed output parameters the ingest transcoders produce.
type IngestConfig struct {
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	TempDir          string        `mapstructure:"temp_dir"`
	VideoPayloadType uint8         `mapstructure:"video_payload_type"`
	VideoSSRC        uint32        `mapstructure:"video_ssrc"`
	AudioPayloadType uint8         `mapstructure:"audio_payload_type"`
	AudioSSRC        uint32        `mapstructure:"audio_ssrc"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	KillGrace        time.Duration `mapstructure:"kill_grace"`
}

type TalkConfig struct {
	PayloadType uint8  `mapstructure:"payload_type"`
	SSRC        uint32 `mapstructure:"ssrc"`
	Bitrate     string `mapstructure:"bitrate"`
}

// CameraConfig configures the camera client. RefreshToken is never logged.
type CameraConfig struct {
	RefreshToken string `mapstructure:"refresh_token"`
}

// CameraDevice is one entry of the LAN camera inventory.
type CameraDevice struct {
	ID            string `mapstructure:"id"`
	Name          string `mapstructure:"name"`
	Description   string `mapstructure:"description"`
	Type          string `mapstructure:"type"`
	Mode          string `mapstructure:"mode"`
	VideoListen   string `mapstructure:"video_listen"`
	AudioListen   string `mapstructure:"audio_listen"`
	TalkTarget    string `mapstructure:"talk_target"`
	NormalizeRTP  bool   `mapstructure:"normalize_rtp"`
	RTSPURL       string `mapstructure:"rtsp_url"`
	RecordingsDir string `mapstructure:"recordings_dir"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("listen_ip", cfg.Media.ListenIP).
		Str("announced_ip", cfg.Media.AnnouncedIP).
		Uint16("rtc_min_port", cfg.Media.RTCMinPort).
		Uint16("rtc_max_port", cfg.Media.RTCMaxPort).
		Int("cameras", len(cfg.Cameras)).
		Msg("config")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("log_level", "info")

	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.rtc_min_port", 40000)
	v.SetDefault("media.rtc_max_port", 40100)

	v.SetDefault("ingest.ffmpeg_path", "ffmpeg")
	v.SetDefault("ingest.temp_dir", os.TempDir())
	v.SetDefault("ingest.video_payload_type", 102)
	v.SetDefault("ingest.video_ssrc", 22222222)
	v.SetDefault("ingest.audio_payload_type", 111)
	v.SetDefault("ingest.audio_ssrc", 33333333)
	v.SetDefault("ingest.settle_delay", "400ms")
	v.SetDefault("ingest.kill_grace", "1s")

	v.SetDefault("talk.payload_type", 111)
	v.SetDefault("talk.ssrc", 55555555)
	v.SetDefault("talk.bitrate", "32k")
}

// bindEnv keeps the well-known deployment variable names working.
func bindEnv(v *viper.Viper) error {
	v.SetEnvPrefix("CAMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	binds := map[string]string{
		"media.listen_ip":      "LISTEN_IP",
		"media.announced_ip":   "ANNOUNCED_IP",
		"media.rtc_min_port":   "RTC_MIN_PORT",
		"media.rtc_max_port":   "RTC_MAX_PORT",
		"camera.refresh_token": "CAMERA_REFRESH_TOKEN",
		"talk.payload_type":    "TALK_PT",
		"talk.ssrc":            "TALK_SSRC",
	}
	for key, env := range binds {
		if err := v.BindEnv(key, "CAMRELAY_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Camera.RefreshToken == "" {
		return ErrMissingRefreshToken
	}
	if c.Media.RTCMinPort == 0 || c.Media.RTCMaxPort < c.Media.RTCMinPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.Media.RTCMinPort, c.Media.RTCMaxPort)
	}
	seen := make(map[string]struct{}, len(c.Cameras))
	for i, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("cameras[%d]: empty id", i)
		}
		if _, dup := seen[cam.ID]; dup {
			return fmt.Errorf("cameras[%d]: duplicate id %q", i, cam.ID)
		}
		seen[cam.ID] = struct{}{}
		switch cam.Mode {
		case "rtp":
			if cam.VideoListen == "" {
				return fmt.Errorf("camera %s: rtp mode requires video_listen", cam.ID)
			}
		case "rtsp":
			if cam.RTSPURL == "" {
				return fmt.Errorf("camera %s: rtsp mode requires rtsp_url", cam.ID)
			}
		default:
			return fmt.Errorf("camera %s: unknown mode %q", cam.ID, cam.Mode)
		}
	}
	return nil
}
