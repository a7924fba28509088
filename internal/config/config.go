// Package config loads the recorder configuration from a file and the
// environment and turns it into an engine configuration.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/oszuidwest/zwfm-multitrack/internal/audio"
	"github.com/oszuidwest/zwfm-multitrack/internal/capture"
	"github.com/oszuidwest/zwfm-multitrack/internal/device"
	"github.com/oszuidwest/zwfm-multitrack/internal/engine"
	"github.com/oszuidwest/zwfm-multitrack/internal/eventlog"
	"github.com/oszuidwest/zwfm-multitrack/internal/notify"
	"github.com/oszuidwest/zwfm-multitrack/internal/recording"
	"github.com/oszuidwest/zwfm-multitrack/internal/sink"
	"github.com/oszuidwest/zwfm-multitrack/internal/types"
	"github.com/oszuidwest/zwfm-multitrack/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultPort             = 8080
	DefaultStationName      = "ZuidWest FM"
	DefaultLogLevel         = "info"
	DefaultBackend          = BackendPortAudio
	DefaultOutputDir        = "recordings"
	DefaultFormat           = string(sink.FormatWAV)
	DefaultSubtype          = string(sink.PCM24)
	DefaultSampleFormat     = string(types.SampleFloat32)
	DefaultPreRoll          = 0.5
	DefaultPostRoll         = 1.0
	DefaultStopAfterSilence = 2.0
	DefaultNoiseFloorDB     = 60.0
	DefaultLongestFile      = 3600.0 // one hour per file
)

// Capture backends.
const (
	BackendPortAudio = "portaudio" // PortAudio through cgo
	BackendCommand   = "command"   // arecord or FFmpeg child process
)

// envPrefix prefixes environment overrides, e.g. MULTITRACK_SYSTEM_PORT.
const envPrefix = "MULTITRACK"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Station name: any printable characters except control chars (blocks CRLF injection in emails)
var stationNamePattern = regexp.MustCompile(`^[^\x00-\x1F\x7F]+$`)

// SystemConfig holds process-level settings.
type SystemConfig struct {
	FFmpegPath   string `mapstructure:"ffmpeg_path"`                                           // Path to FFmpeg binary (empty = use PATH)
	Backend      string `mapstructure:"backend" validate:"omitempty,oneof=portaudio command"`  // Capture backend
	Port         int    `mapstructure:"port" validate:"gte=0,lte=65535"`                       // Status server port, 0 disables it
	LogLevel     string `mapstructure:"log_level" validate:"oneof=none error warn info debug"` // Process log level
	LogFile      string `mapstructure:"log_file"`                                              // JSON log file, empty logs text to stdout
	EventLog     string `mapstructure:"event_log"`                                             // Event log path, empty selects the default
	CheckUpdates bool   `mapstructure:"check_updates"`                                         // Poll GitHub for new releases
}

// RecordingConfig holds the settings shared by every capture session.
type RecordingConfig struct {
	OutputDir        string                      `mapstructure:"output_dir" validate:"required"`
	Format           string                      `mapstructure:"format" validate:"required"`
	Subtype          string                      `mapstructure:"subtype" validate:"required"`
	SampleFormat     string                      `mapstructure:"sample_format" validate:"oneof=int16 int32 float32 float64"`
	BlockFrames      int                         `mapstructure:"block_frames" validate:"gte=0"`
	Gate             audio.DurationConfigSeconds `mapstructure:"gate"`
	HandoffCapacity  int                         `mapstructure:"handoff_capacity" validate:"gte=0"`
	PollIntervalMs   int64                       `mapstructure:"poll_interval_ms" validate:"gte=0"`
	OfflineTimeoutMs int64                       `mapstructure:"offline_timeout_ms" validate:"gte=0"`
	StaleAfterMs     int64                       `mapstructure:"stale_after_ms" validate:"gte=0"`
	RetentionDays    int                         `mapstructure:"retention_days" validate:"gte=0"` // 0 keeps recordings forever
}

// DeviceConfig selects one input device and its tracks.
type DeviceConfig struct {
	Name       string   `mapstructure:"name"`                            // Device name, empty selects the default input
	Input      string   `mapstructure:"input"`                           // Command backend input id, e.g. "hw:CARD=Mixer"
	SampleRate int      `mapstructure:"sample_rate" validate:"gte=0"`    // 0 uses the device default
	Channels   int      `mapstructure:"channels" validate:"gte=0"`       // 0 uses every input channel
	Tracks     []string `mapstructure:"tracks" validate:"dive,required"` // "1-2", "3"; empty pairs channels automatically
}

// NotificationsConfig holds the alert destinations.
type NotificationsConfig struct {
	WebhookURL string             `mapstructure:"webhook_url" validate:"omitempty,url"`
	Email      types.GraphConfig  `mapstructure:"email"`
	Zabbix     types.ZabbixConfig `mapstructure:"zabbix"`
}

// Config holds all application configuration.
type Config struct {
	Station       string              `mapstructure:"station" validate:"required,max=30"`
	System        SystemConfig        `mapstructure:"system"`
	Recording     RecordingConfig     `mapstructure:"recording"`
	Devices       []DeviceConfig      `mapstructure:"devices" validate:"required,min=1,dive"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Upload        recording.S3Config  `mapstructure:"upload"`

	filePath string
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Use config key names in error messages instead of struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("station", DefaultStationName)
	v.SetDefault("system.port", DefaultPort)
	v.SetDefault("system.log_level", DefaultLogLevel)
	v.SetDefault("system.ffmpeg_path", "")
	v.SetDefault("system.backend", DefaultBackend)
	v.SetDefault("system.log_file", "")
	v.SetDefault("system.event_log", "")
	v.SetDefault("system.check_updates", true)
	v.SetDefault("recording.output_dir", DefaultOutputDir)
	v.SetDefault("recording.format", DefaultFormat)
	v.SetDefault("recording.subtype", DefaultSubtype)
	v.SetDefault("recording.sample_format", DefaultSampleFormat)
	v.SetDefault("recording.block_frames", 0)
	v.SetDefault("recording.gate.pre_roll", DefaultPreRoll)
	v.SetDefault("recording.gate.post_roll", DefaultPostRoll)
	v.SetDefault("recording.gate.stop_after_silence", DefaultStopAfterSilence)
	v.SetDefault("recording.gate.noise_floor_db", DefaultNoiseFloorDB)
	v.SetDefault("recording.gate.longest_file", DefaultLongestFile)
	v.SetDefault("recording.gate.total_run_time", 0)
	v.SetDefault("recording.handoff_capacity", types.DefaultHandoffCapacity)
	v.SetDefault("recording.poll_interval_ms", types.DefaultPollInterval.Milliseconds())
	v.SetDefault("recording.offline_timeout_ms", types.DefaultOfflineTimeout.Milliseconds())
	v.SetDefault("recording.stale_after_ms", 0)
	v.SetDefault("recording.retention_days", 0)
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("upload.bucket", "")
	v.SetDefault("upload.access_key_id", "")
	v.SetDefault("upload.secret_access_key", "")
	v.SetDefault("upload.endpoint", "")
}

// Load reads path (YAML, JSON or TOML by extension), applies defaults and
// MULTITRACK_* environment overrides and validates the result. An empty
// path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, util.WrapError("read config", err)
		}
	}

	cfg := &Config{filePath: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, util.WrapError("parse config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was read from.
func (c *Config) Path() string {
	return c.filePath
}

// Validate checks every field. All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		for _, e := range verrs {
			errs = append(errs, fmt.Errorf("%s %s", fieldPath(e), formatValidationMessage(e)))
		}
	}

	if c.Station != "" && !stationNamePattern.MatchString(c.Station) {
		errs = append(errs, fmt.Errorf("station must contain printable characters only"))
	}
	if err := util.ValidatePath("recording.output_dir", c.Recording.OutputDir); err != nil {
		errs = append(errs, err)
	}
	if err := sink.Validate(sink.Format(c.Recording.Format), sink.Subtype(c.Recording.Subtype)); err != nil {
		errs = append(errs, fmt.Errorf("recording.format: %w", err))
	}
	if f := types.SampleFormat(c.Recording.SampleFormat); f.Valid() && !device.SupportsFormat(f) {
		errs = append(errs, fmt.Errorf("recording.sample_format %q is not supported by the %s backend: %w",
			f, cmp.Or(c.System.Backend, DefaultBackend), device.ErrUnsupportedFormat))
	}

	names := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if names[d.Name] {
			errs = append(errs, fmt.Errorf("devices[%d].name %q is configured twice", i, d.Name))
		}
		names[d.Name] = true
		if _, err := d.ranges(); err != nil {
			errs = append(errs, fmt.Errorf("devices[%d].tracks: %w", i, err))
		}
	}

	n := c.Notifications
	if anySet(n.Email.TenantID, n.Email.ClientID, n.Email.ClientSecret, n.Email.FromAddress, n.Email.Recipients) {
		if err := notify.ValidateConfig(&n.Email); err != nil {
			errs = append(errs, fmt.Errorf("notifications.email: %w", err))
		}
	}
	if anySet(n.Zabbix.Server, n.Zabbix.Host, n.Zabbix.Key) && !notify.ZabbixConfigured(&n.Zabbix) {
		errs = append(errs, fmt.Errorf("notifications.zabbix: server, host and key are all required"))
	}
	if anySet(c.Upload.Bucket, c.Upload.AccessKeyID, c.Upload.SecretAccessKey) && !c.Upload.IsConfigured() {
		errs = append(errs, fmt.Errorf("upload: bucket, access_key_id and secret_access_key are all required"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// CheckOutput verifies that the output directory can be written.
func (c *Config) CheckOutput() error {
	if err := util.CheckPathWritable(c.Recording.OutputDir); err != nil {
		return fmt.Errorf("recording.output_dir %q: %w", c.Recording.OutputDir, err)
	}
	return nil
}

func anySet(values ...string) bool {
	for _, v := range values {
		if v != "" {
			return true
		}
	}
	return false
}

// fieldPath returns the dotted config key of a validation error.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must have at least %s entries", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

func (d DeviceConfig) ranges() ([]types.ChannelRange, error) {
	var out []types.ChannelRange
	for _, s := range d.Tracks {
		r, err := types.ParseChannelRange(s)
		if err != nil {
			return nil, err
		}
		if err := r.Validate(d.Channels); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Resolver returns the input device a DeviceConfig names.
type Resolver func(DeviceConfig) (device.Device, error)

// PortAudio resolves devices through the PortAudio backend.
func PortAudio(d DeviceConfig) (device.Device, error) {
	dev, err := device.Lookup(d.Name, d.SampleRate, d.Channels)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// Command returns a resolver that captures through a child process.
func Command(ffmpegPath string) Resolver {
	return func(d DeviceConfig) (device.Device, error) {
		dev, err := device.NewCommand(d.Name, d.Input, d.SampleRate, d.Channels, ffmpegPath)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}

// Resolver returns the resolver of the configured backend.
func (c *Config) Resolver() Resolver {
	if c.System.Backend == BackendCommand {
		return Command(util.ResolveFFmpegPath(c.System.FFmpegPath))
	}
	return PortAudio
}

// ListDevices lists the inputs of the configured backend.
func (c *Config) ListDevices() ([]device.Info, error) {
	if c.System.Backend == BackendCommand {
		return device.ListCommand(), nil
	}
	return device.List()
}

// Engine resolves every device and returns the engine configuration.
func (c *Config) Engine(resolve Resolver) (engine.Config, error) {
	r := c.Recording
	sessions := make([]capture.SessionConfig, 0, len(c.Devices))
	for i, d := range c.Devices {
		ranges, err := d.ranges()
		if err != nil {
			return engine.Config{}, fmt.Errorf("%w: devices[%d].tracks: %w", ErrInvalid, i, err)
		}
		dev, err := resolve(d)
		if err != nil {
			return engine.Config{}, fmt.Errorf("devices[%d] %q: %w", i, d.Name, err)
		}
		sessions = append(sessions, capture.SessionConfig{
			Device:          dev,
			SampleFormat:    types.SampleFormat(r.SampleFormat),
			BlockFrames:     r.BlockFrames,
			Tracks:          ranges,
			Gate:            r.Gate,
			Format:          sink.Format(r.Format),
			Subtype:         sink.Subtype(r.Subtype),
			HandoffCapacity: r.HandoffCapacity,
			PollInterval:    time.Duration(r.PollIntervalMs) * time.Millisecond,
			OfflineTimeout:  time.Duration(r.OfflineTimeoutMs) * time.Millisecond,
		})
	}
	return engine.Config{
		Sessions:   sessions,
		StaleAfter: time.Duration(r.StaleAfterMs) * time.Millisecond,
	}, nil
}

// Opener returns the file sink for recordings.
func (c *Config) Opener() sink.Opener {
	return sink.Files{FFmpegPath: util.ResolveFFmpegPath(c.System.FFmpegPath)}
}

// Namer returns the file namer for recordings.
func (c *Config) Namer() recording.Namer {
	return recording.DefaultNamer(c.Recording.OutputDir, sink.Format(c.Recording.Format))
}

// Notify returns the alert configuration.
func (c *Config) Notify() notify.Config {
	return notify.Config{
		StationName: c.Station,
		WebhookURL:  c.Notifications.WebhookURL,
		Graph:       c.Notifications.Email,
		Zabbix:      c.Notifications.Zabbix,
	}
}

// EventLogPath returns the event log location.
func (c *Config) EventLogPath() string {
	return cmp.Or(c.System.EventLog, eventlog.DefaultLogPath())
}
