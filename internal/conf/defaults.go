package conf

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultThresholds returns the stock rule limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempColdBandLow:  -4,
		TempColdBandHigh: 0,
		TempHeatBandLow:  33,
		TempHeatBandHigh: 36,
		TempCriticalHigh: 37,
		TempCriticalLow:  -5,
		RainDailyMM:      80,
		PMPreEmergency:   1,
		PMEmergency:      2,
		CO2DeltaPPM:      150,
		ZScore:           3,
		ErrorBurstCount:  3,
		WindGustMS:       20,
		HurricaneKMH:     119,
		HeatWaveDays:     3,
		HeatWaveMinTemp:  33,
	}
}

// setDefaults registers every key with viper. Keys must be registered for
// ENVALERT_* overrides to be picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.timezone", "")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "envalert.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.debug", false)

	v.SetDefault("alerting.dedup_window", "5m")
	v.SetDefault("alerting.concurrency", 8)
	v.SetDefault("alerting.stats_window", "60m")
	v.SetDefault("alerting.error_window", "10m")
	v.SetDefault("alerting.context_cache_ttl", "30s")
	v.SetDefault("alerting.sample_retention", "2h")
	v.SetDefault("alerting.timezone", "")
	th := DefaultThresholds()
	v.SetDefault("alerting.thresholds.temp_cold_band_low", th.TempColdBandLow)
	v.SetDefault("alerting.thresholds.temp_cold_band_high", th.TempColdBandHigh)
	v.SetDefault("alerting.thresholds.temp_heat_band_low", th.TempHeatBandLow)
	v.SetDefault("alerting.thresholds.temp_heat_band_high", th.TempHeatBandHigh)
	v.SetDefault("alerting.thresholds.temp_critical_high", th.TempCriticalHigh)
	v.SetDefault("alerting.thresholds.temp_critical_low", th.TempCriticalLow)
	v.SetDefault("alerting.thresholds.rain_daily_mm", th.RainDailyMM)
	v.SetDefault("alerting.thresholds.pm_pre_emergency", th.PMPreEmergency)
	v.SetDefault("alerting.thresholds.pm_emergency", th.PMEmergency)
	v.SetDefault("alerting.thresholds.co2_delta_ppm", th.CO2DeltaPPM)
	v.SetDefault("alerting.thresholds.z_score", th.ZScore)
	v.SetDefault("alerting.thresholds.error_burst_count", th.ErrorBurstCount)
	v.SetDefault("alerting.thresholds.wind_gust_ms", th.WindGustMS)
	v.SetDefault("alerting.thresholds.hurricane_kmh", th.HurricaneKMH)
	v.SetDefault("alerting.thresholds.heat_wave_days", th.HeatWaveDays)
	v.SetDefault("alerting.thresholds.heat_wave_min_temp", th.HeatWaveMinTemp)

	v.SetDefault("notification.mode", "local")
	v.SetDefault("notification.channel", "new_alert")
	v.SetDefault("notification.buffer_size", 1000)
	v.SetDefault("notification.restart_delay", "5s")
	v.SetDefault("notification.postgres.dsn", "")
	v.SetDefault("notification.redis.addr", "")
	v.SetDefault("notification.redis.password", "")
	v.SetDefault("notification.redis.db", 0)

	v.SetDefault("stream.keepalive", "15s")
	v.SetDefault("stream.subscriber_buffer", 16)
	v.SetDefault("stream.max_connection_duration", "30m")
	v.SetDefault("stream.rate_limit", 10)
	v.SetDefault("stream.rate_burst", 15)
	v.SetDefault("stream.rate_window", "1m")

	v.SetDefault("webserver.listen", ":8080")
	v.SetDefault("webserver.debug", false)

	v.SetDefault("ingest.mqtt.enabled", false)
	v.SetDefault("ingest.mqtt.broker", "")
	v.SetDefault("ingest.mqtt.topic", "sensors/+/measurements")
	v.SetDefault("ingest.mqtt.client_id", "envalert")
	v.SetDefault("ingest.mqtt.username", "")
	v.SetDefault("ingest.mqtt.password", "")
	v.SetDefault("ingest.mqtt.qos", 1)
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.brokers", []string{})
	v.SetDefault("ingest.kafka.topic", "measurements")
	v.SetDefault("ingest.kafka.group_id", "envalert")

	v.SetDefault("forward.enabled", false)
	v.SetDefault("forward.urls", []string{})
	v.SetDefault("forward.min_level", "critical")
	v.SetDefault("forward.timeout", "10s")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("client.server", "http://localhost:8080")
	v.SetDefault("client.cooldown", "60s")
	v.SetDefault("client.poll_interval", "60s")
	v.SetDefault("client.poll_limit", 20)
	v.SetDefault("client.state_file", "envalert-client.yaml")
	v.SetDefault("client.state_key", "")
	v.SetDefault("client.redis.addr", "")
	v.SetDefault("client.redis.password", "")
	v.SetDefault("client.redis.db", 0)
}

// Defaults returns settings populated with every default value.
func Defaults() *Settings {
	v := viper.New()
	setDefaults(v)
	s := &Settings{}
	// Decoding static defaults cannot fail; a failure here is a programming error.
	if err := v.Unmarshal(s, viper.DecodeHook(DurationDecodeHook())); err != nil {
		panic(err)
	}
	return s
}

// DefaultDedupWindow is the fallback when no settings are loaded.
const DefaultDedupWindow = 5 * time.Minute
