package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Media:  MediaConfig{RTCMinPort: 40000, RTCMaxPort: 40100},
		Camera: CameraConfig{RefreshToken: "secret"},
		Cameras: []CameraDevice{
			{ID: "front", Mode: "rtp", VideoListen: "127.0.0.1:6000"},
			{ID: "garage", Mode: "rtsp", RTSPURL: "rtsp://10.0.0.5/stream"},
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	c := validConfig()
	c.Camera.RefreshToken = ""
	assert.ErrorIs(t, c.Validate(), ErrMissingRefreshToken)

	c = validConfig()
	c.Media.RTCMaxPort = 100
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Cameras[1].ID = "front"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Cameras[0].VideoListen = ""
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Cameras[1].Mode = "sip"
	assert.Error(t, c.Validate())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte(`
port: 8081
media:
  rtc_min_port: 41000
  rtc_max_port: 41010
cameras:
  - id: front
    name: Front door
    mode: rtp
    video_listen: 127.0.0.1:6000
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("CAMERA_REFRESH_TOKEN", "tok")
	t.Setenv("ANNOUNCED_IP", "203.0.113.7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, uint16(41000), cfg.Media.RTCMinPort)
	assert.Equal(t, "203.0.113.7", cfg.Media.AnnouncedIP)
	assert.Equal(t, "tok", cfg.Camera.RefreshToken)
	assert.Equal(t, uint8(102), cfg.Ingest.VideoPayloadType)
	require.Len(t, cfg.Cameras, 1)
	assert.Equal(t, "Front door", cfg.Cameras[0].Name)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	t.Setenv("CAMERA_REFRESH_TOKEN", "")
	_, err := Load()
	assert.ErrorIs(t, err, ErrMissingRefreshToken)
}
