// Package conf loads and validates service settings.
package conf

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/spf13/viper"
)

// Settings is the root configuration.
type Settings struct {
	Log          LogSettings          `mapstructure:"log" yaml:"log" json:"log"`
	Database     DatabaseSettings     `mapstructure:"database" yaml:"database" json:"database"`
	Alerting     AlertingSettings     `mapstructure:"alerting" yaml:"alerting" json:"alerting"`
	Notification NotificationSettings `mapstructure:"notification" yaml:"notification" json:"notification"`
	Stream       StreamSettings       `mapstructure:"stream" yaml:"stream" json:"stream"`
	WebServer    WebServerSettings    `mapstructure:"webserver" yaml:"webserver" json:"webserver"`
	Ingest       IngestSettings       `mapstructure:"ingest" yaml:"ingest" json:"ingest"`
	Forward      ForwardSettings      `mapstructure:"forward" yaml:"forward" json:"forward"`
	Sentry       SentrySettings       `mapstructure:"sentry" yaml:"sentry" json:"sentry"`
	Client       ClientSettings       `mapstructure:"client" yaml:"client" json:"client"`
}

// LogSettings configures the process logger.
type LogSettings struct {
	Level    string `mapstructure:"level" yaml:"level" json:"level"`
	Format   string `mapstructure:"format" yaml:"format" json:"format"` // json or text
	Timezone string `mapstructure:"timezone" yaml:"timezone" json:"timezone"`
}

// DatabaseSettings selects the alert store.
type DatabaseSettings struct {
	Type            string   `mapstructure:"type" yaml:"type" json:"type"` // sqlite, mysql or postgres
	Path            string   `mapstructure:"path" yaml:"path" json:"path"`
	DSN             string   `mapstructure:"dsn" yaml:"dsn" json:"-"`
	MaxOpenConns    int      `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `mapstructure:"max_idle_conns" yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	Debug           bool     `mapstructure:"debug" yaml:"debug" json:"debug"`
}

// AlertingSettings tunes evaluation and deduplication.
type AlertingSettings struct {
	DedupWindow     Duration   `mapstructure:"dedup_window" yaml:"dedup_window" json:"dedup_window"`
	Concurrency     int        `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	StatsWindow     Duration   `mapstructure:"stats_window" yaml:"stats_window" json:"stats_window"`
	ErrorWindow     Duration   `mapstructure:"error_window" yaml:"error_window" json:"error_window"`
	ContextCacheTTL Duration   `mapstructure:"context_cache_ttl" yaml:"context_cache_ttl" json:"context_cache_ttl"`
	SampleRetention Duration   `mapstructure:"sample_retention" yaml:"sample_retention" json:"sample_retention"`
	Timezone        string     `mapstructure:"timezone" yaml:"timezone" json:"timezone"`
	Thresholds      Thresholds `mapstructure:"thresholds" yaml:"thresholds" json:"thresholds"`
}

// Thresholds holds every tunable rule limit.
type Thresholds struct {
	TempColdBandLow  float64 `mapstructure:"temp_cold_band_low" yaml:"temp_cold_band_low" json:"temp_cold_band_low"`
	TempColdBandHigh float64 `mapstructure:"temp_cold_band_high" yaml:"temp_cold_band_high" json:"temp_cold_band_high"`
	TempHeatBandLow  float64 `mapstructure:"temp_heat_band_low" yaml:"temp_heat_band_low" json:"temp_heat_band_low"`
	TempHeatBandHigh float64 `mapstructure:"temp_heat_band_high" yaml:"temp_heat_band_high" json:"temp_heat_band_high"`
	TempCriticalHigh float64 `mapstructure:"temp_critical_high" yaml:"temp_critical_high" json:"temp_critical_high"`
	TempCriticalLow  float64 `mapstructure:"temp_critical_low" yaml:"temp_critical_low" json:"temp_critical_low"`
	RainDailyMM      float64 `mapstructure:"rain_daily_mm" yaml:"rain_daily_mm" json:"rain_daily_mm"`
	PMPreEmergency   float64 `mapstructure:"pm_pre_emergency" yaml:"pm_pre_emergency" json:"pm_pre_emergency"`
	PMEmergency      float64 `mapstructure:"pm_emergency" yaml:"pm_emergency" json:"pm_emergency"`
	CO2DeltaPPM      float64 `mapstructure:"co2_delta_ppm" yaml:"co2_delta_ppm" json:"co2_delta_ppm"`
	ZScore           float64 `mapstructure:"z_score" yaml:"z_score" json:"z_score"`
	ErrorBurstCount  int     `mapstructure:"error_burst_count" yaml:"error_burst_count" json:"error_burst_count"`
	WindGustMS       float64 `mapstructure:"wind_gust_ms" yaml:"wind_gust_ms" json:"wind_gust_ms"`
	HurricaneKMH     float64 `mapstructure:"hurricane_kmh" yaml:"hurricane_kmh" json:"hurricane_kmh"`
	HeatWaveDays     int     `mapstructure:"heat_wave_days" yaml:"heat_wave_days" json:"heat_wave_days"`
	HeatWaveMinTemp  float64 `mapstructure:"heat_wave_min_temp" yaml:"heat_wave_min_temp" json:"heat_wave_min_temp"`
}

// NotificationSettings selects the change-notification transport.
type NotificationSettings struct {
	Mode       string                   `mapstructure:"mode" yaml:"mode" json:"mode"` // local, postgres or redis
	Channel    string                   `mapstructure:"channel" yaml:"channel" json:"channel"`
	BufferSize int                      `mapstructure:"buffer_size" yaml:"buffer_size" json:"buffer_size"`
	Restart    Duration                 `mapstructure:"restart_delay" yaml:"restart_delay" json:"restart_delay"`
	Postgres   PostgresNotifierSettings `mapstructure:"postgres" yaml:"postgres" json:"postgres"`
	Redis      RedisSettings            `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// PostgresNotifierSettings configures LISTEN/NOTIFY.
type PostgresNotifierSettings struct {
	DSN string `mapstructure:"dsn" yaml:"dsn" json:"-"`
}

// RedisSettings configures a redis connection.
type RedisSettings struct {
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
}

// StreamSettings tunes the subscription broker and streaming endpoints.
type StreamSettings struct {
	KeepAlive             Duration `mapstructure:"keepalive" yaml:"keepalive" json:"keepalive"`
	SubscriberBuffer      int      `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer" json:"subscriber_buffer"`
	MaxConnectionDuration Duration `mapstructure:"max_connection_duration" yaml:"max_connection_duration" json:"max_connection_duration"`
	RateLimit             float64  `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	RateBurst             int      `mapstructure:"rate_burst" yaml:"rate_burst" json:"rate_burst"`
	RateWindow            Duration `mapstructure:"rate_window" yaml:"rate_window" json:"rate_window"`
}

// WebServerSettings configures the HTTP listener.
type WebServerSettings struct {
	Listen string `mapstructure:"listen" yaml:"listen" json:"listen"`
	Debug  bool   `mapstructure:"debug" yaml:"debug" json:"debug"`
}

// IngestSettings configures measurement sources besides HTTP.
type IngestSettings struct {
	MQTT  MQTTSettings  `mapstructure:"mqtt" yaml:"mqtt" json:"mqtt"`
	Kafka KafkaSettings `mapstructure:"kafka" yaml:"kafka" json:"kafka"`
}

// MQTTSettings configures the MQTT measurement subscriber.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker" json:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic" json:"topic"`
	ClientID string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	QoS      byte   `mapstructure:"qos" yaml:"qos" json:"qos"`
}

// KafkaSettings configures the Kafka measurement consumer.
type KafkaSettings struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic" json:"topic"`
	GroupID string   `mapstructure:"group_id" yaml:"group_id" json:"group_id"`
}

// ForwardSettings configures external push of alerts through shoutrrr.
type ForwardSettings struct {
	Enabled  bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	URLs     []string `mapstructure:"urls" yaml:"urls" json:"-"`
	MinLevel string   `mapstructure:"min_level" yaml:"min_level" json:"min_level"`
	Timeout  Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	DSN         string  `mapstructure:"dsn" yaml:"dsn" json:"-"`
	Environment string  `mapstructure:"environment" yaml:"environment" json:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
}

// ClientSettings configures the alert receiver used by `envalert watch`.
type ClientSettings struct {
	Server       string        `mapstructure:"server" yaml:"server" json:"server"`
	Cooldown     Duration      `mapstructure:"cooldown" yaml:"cooldown" json:"cooldown"`
	PollInterval Duration      `mapstructure:"poll_interval" yaml:"poll_interval" json:"poll_interval"`
	PollLimit    int           `mapstructure:"poll_limit" yaml:"poll_limit" json:"poll_limit"`
	StateFile    string        `mapstructure:"state_file" yaml:"state_file" json:"state_file"`
	StateKey     string        `mapstructure:"state_key" yaml:"state_key" json:"state_key"`
	Redis        RedisSettings `mapstructure:"redis" yaml:"redis" json:"redis"`
}

const envPrefix = "ENVALERT"

var (
	settingsInstance *Settings
	settingsMu       sync.RWMutex
)

// GetSettings returns the loaded settings, or nil before Load.
func GetSettings() *Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settingsInstance
}

// SetSettings replaces the global settings. Used by Load and tests.
func SetSettings(s *Settings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settingsInstance = s
}

// Load reads configuration from path (or the default search locations when
// path is empty), applies ENVALERT_* environment overrides and validates the
// result. A missing config file is not an error; defaults apply.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("envalert")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/envalert")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("failed to read config: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("path", path).
				Build()
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.New(fmt.Errorf("failed to decode config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	SetSettings(settings)
	return settings, nil
}

// Validate checks settings for values the pipeline cannot run with.
func (s *Settings) Validate() error {
	var errs []error
	invalid := func(key string, value any, reason string) {
		errs = append(errs, errors.Newf("invalid %s: %s", key, reason).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("key", key).
			Context("value", value).
			Build())
	}

	if !slices.Contains([]string{"sqlite", "mysql", "postgres"}, s.Database.Type) {
		invalid("database.type", s.Database.Type, "must be sqlite, mysql or postgres")
	}
	if s.Database.Type == "sqlite" && s.Database.Path == "" {
		invalid("database.path", s.Database.Path, "required for sqlite")
	}
	if s.Database.Type != "sqlite" && s.Database.DSN == "" {
		invalid("database.dsn", "", "required for "+s.Database.Type)
	}
	if s.Alerting.DedupWindow <= 0 {
		invalid("alerting.dedup_window", s.Alerting.DedupWindow, "must be positive")
	}
	if s.Alerting.Concurrency <= 0 {
		invalid("alerting.concurrency", s.Alerting.Concurrency, "must be positive")
	}
	if s.Alerting.StatsWindow <= 0 || s.Alerting.ErrorWindow <= 0 {
		invalid("alerting.stats_window", s.Alerting.StatsWindow, "stats and error windows must be positive")
	}
	if s.Alerting.Timezone != "" {
		if _, err := time.LoadLocation(s.Alerting.Timezone); err != nil {
			invalid("alerting.timezone", s.Alerting.Timezone, err.Error())
		}
	}
	switch s.Notification.Mode {
	case "local":
	case "postgres":
		if s.Notification.Postgres.DSN == "" {
			invalid("notification.postgres.dsn", "", "required for postgres mode")
		}
	case "redis":
		if s.Notification.Redis.Addr == "" {
			invalid("notification.redis.addr", "", "required for redis mode")
		}
	default:
		invalid("notification.mode", s.Notification.Mode, "must be local, postgres or redis")
	}
	if s.Notification.Channel == "" {
		invalid("notification.channel", "", "must not be empty")
	}
	if s.Stream.KeepAlive <= 0 {
		invalid("stream.keepalive", s.Stream.KeepAlive, "must be positive")
	}
	if s.Stream.SubscriberBuffer <= 0 {
		invalid("stream.subscriber_buffer", s.Stream.SubscriberBuffer, "must be positive")
	}
	if s.Forward.Enabled && len(s.Forward.URLs) == 0 {
		invalid("forward.urls", nil, "at least one url is required when forwarding is enabled")
	}
	if s.Ingest.MQTT.Enabled && s.Ingest.MQTT.Broker == "" {
		invalid("ingest.mqtt.broker", "", "required when mqtt ingestion is enabled")
	}
	if s.Ingest.Kafka.Enabled && len(s.Ingest.Kafka.Brokers) == 0 {
		invalid("ingest.kafka.brokers", nil, "required when kafka ingestion is enabled")
	}

	return errors.Join(errs...)
}

// Location returns the time zone used for calendar-day rules, UTC by default.
func (a *AlertingSettings) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
