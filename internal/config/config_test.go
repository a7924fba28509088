package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oszuidwest/zwfm-multitrack/internal/device"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
)

const sampleYAML = `
station: Studio Noord
system:
  port: 9090
recording:
  output_dir: %s
  format: wav
  subtype: pcm_16
  gate:
    pre_roll: 0.25
    noise_floor_db: 50
devices:
  - name: Desk
    channels: 4
    tracks: ["1-2", "3", "4"]
  - name: Mic
notifications:
  webhook_url: https://hooks.example.org/alert
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "multitrack.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	out := t.TempDir()
	path := writeConfig(t, strings.Replace(sampleYAML, "%s", out, 1))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q", cfg.Path())
	}
	if cfg.Station != "Studio Noord" || cfg.System.Port != 9090 {
		t.Errorf("station/port = %q/%d", cfg.Station, cfg.System.Port)
	}
	if cfg.System.LogLevel != DefaultLogLevel || cfg.Recording.SampleFormat != DefaultSampleFormat {
		t.Errorf("defaults not applied: %+v %+v", cfg.System, cfg.Recording)
	}
	g := cfg.Recording.Gate
	if g.PreRoll != 0.25 || g.NoiseFloorDB != 50 || g.PostRoll != DefaultPostRoll || g.LongestFile != DefaultLongestFile {
		t.Errorf("gate = %+v", g)
	}
	if len(cfg.Devices) != 2 || len(cfg.Devices[0].Tracks) != 3 {
		t.Fatalf("devices = %+v", cfg.Devices)
	}
	if err := cfg.CheckOutput(); err != nil {
		t.Errorf("CheckOutput() = %v", err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, strings.Replace(sampleYAML, "%s", t.TempDir(), 1))
	t.Setenv("MULTITRACK_SYSTEM_PORT", "7070")
	t.Setenv("MULTITRACK_RECORDING_SUBTYPE", "pcm_24")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.System.Port != 7070 || cfg.Recording.Subtype != "pcm_24" {
		t.Errorf("port/subtype = %d/%q, want env values", cfg.System.Port, cfg.Recording.Subtype)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Station: "Studio",
			System:  SystemConfig{LogLevel: "info"},
			Recording: RecordingConfig{
				OutputDir:    "recordings",
				Format:       "wav",
				Subtype:      "pcm_16",
				SampleFormat: "float32",
			},
			Devices: []DeviceConfig{{Name: "Desk"}},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("Validate(valid) = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no devices", func(c *Config) { c.Devices = nil }, "devices is required"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "loud" }, "system.log_level must be one of"},
		{"negative gate", func(c *Config) { c.Recording.Gate.PreRoll = -1 }, "recording.gate.pre_roll must be greater than or equal to 0"},
		{"bad sample format", func(c *Config) { c.Recording.SampleFormat = "int8" }, "recording.sample_format"},
		{"float64 capture", func(c *Config) { c.Recording.SampleFormat = "float64" }, `"float64" is not supported by the portaudio backend`},
		{"float64 command capture", func(c *Config) {
			c.System.Backend = BackendCommand
			c.Recording.SampleFormat = "float64"
		}, "not supported by the command backend"},
		{"negative retention", func(c *Config) { c.Recording.RetentionDays = -1 }, "recording.retention_days must be greater than or equal to 0"},
		{"incompatible subtype", func(c *Config) { c.Recording.Format = "mp3" }, "recording.format"},
		{"path traversal", func(c *Config) { c.Recording.OutputDir = "../etc" }, "cannot contain '..'"},
		{"duplicate device", func(c *Config) { c.Devices = append(c.Devices, DeviceConfig{Name: "Desk"}) }, "configured twice"},
		{"bad track", func(c *Config) { c.Devices[0].Tracks = []string{"1-3"} }, "devices[0].tracks"},
		{"track beyond channels", func(c *Config) { c.Devices[0] = DeviceConfig{Name: "Desk", Channels: 2, Tracks: []string{"3"}} }, "exceeds 2 device channels"},
		{"bad webhook", func(c *Config) { c.Notifications.WebhookURL = "not a url" }, "notifications.webhook_url must be a valid URL"},
		{"partial zabbix", func(c *Config) { c.Notifications.Zabbix.Server = "zbx" }, "notifications.zabbix"},
		{"partial upload", func(c *Config) { c.Upload.Bucket = "b" }, "upload:"},
		{"station control chars", func(c *Config) { c.Station = "a\r\nb" }, "printable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestEngineConfig(t *testing.T) {
	path := writeConfig(t, strings.Replace(sampleYAML, "%s", t.TempDir(), 1))
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	resolved := map[string]*device.Synthetic{}
	ec, err := cfg.Engine(func(d DeviceConfig) (device.Device, error) {
		dev := device.NewSynthetic(d.Name, max(d.Channels, 2), 48000)
		resolved[d.Name] = dev
		return dev, nil
	})
	if err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	if len(ec.Sessions) != 2 || len(resolved) != 2 {
		t.Fatalf("sessions = %d, resolved = %d", len(ec.Sessions), len(resolved))
	}

	desk := ec.Sessions[0]
	want := []types.ChannelRange{{First: 1, Last: 2}, {First: 3, Last: 3}, {First: 4, Last: 4}}
	if len(desk.Tracks) != len(want) {
		t.Fatalf("tracks = %v", desk.Tracks)
	}
	for i := range want {
		if desk.Tracks[i] != want[i] {
			t.Errorf("track %d = %v, want %v", i, desk.Tracks[i], want[i])
		}
	}
	if desk.Format != sink.FormatWAV || desk.Subtype != sink.PCM16 || desk.SampleFormat != types.SampleFloat32 {
		t.Errorf("session = %+v", desk)
	}
	if desk.PollInterval != types.DefaultPollInterval || desk.OfflineTimeout != types.DefaultOfflineTimeout {
		t.Errorf("timing = %v/%v", desk.PollInterval, desk.OfflineTimeout)
	}
	if len(ec.Sessions[1].Tracks) != 0 {
		t.Errorf("Mic tracks = %v, want automatic pairing", ec.Sessions[1].Tracks)
	}
	if ec.StaleAfter != 0 {
		t.Errorf("StaleAfter = %v", ec.StaleAfter)
	}

	boom := errors.New("no such device")
	if _, err := cfg.Engine(func(DeviceConfig) (device.Device, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("Engine() = %v, want %v", err, boom)
	}

	n := cfg.Notify()
	if n.StationName != "Studio Noord" || n.WebhookURL != "https://hooks.example.org/alert" {
		t.Errorf("Notify() = %+v", n)
	}
}

func TestCommandResolver(t *testing.T) {
	cfg := &Config{System: SystemConfig{Backend: BackendCommand}}
	dev, err := cfg.Resolver()(DeviceConfig{Name: "Mixer", Input: "hw:CARD=Mixer", Channels: 8})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	info := dev.Info()
	if _, ok := dev.(*device.Command); !ok {
		t.Errorf("device = %T, want *device.Command", dev)
	}
	if info.Name != "Mixer" || info.ID != "hw:CARD=Mixer" || info.Channels != 8 || info.SampleRate != 48000 {
		t.Errorf("info = %+v", info)
	}

	bad := &Config{
		Station:   "Studio",
		System:    SystemConfig{LogLevel: "info", Backend: "jack"},
		Recording: RecordingConfig{OutputDir: "rec", Format: "wav", Subtype: "pcm_16", SampleFormat: "int16"},
		Devices:   []DeviceConfig{{Name: "Desk"}},
	}
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "system.backend") {
		t.Errorf("Validate() = %v, want a backend error", err)
	}
}
