// Package config is the single source of truth for startup configuration:
// it loads a .env file, then layers named defaults and overrides through
// viper so every setting has one resolved value for the lifetime of the
// process.
package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the orchestrator's resolved startup configuration.
type Config struct {
	APIKey              string
	UpstreamURL         string
	DefaultLanguage     string
	DefaultModel        string
	DefaultSamplingRate int
	HTTPAddr            string
	MetricsAddr         string
	LogLevel            string
	DiagnosticsAPIKey   string
}

// Load reads a .env file (if present; its absence is not an error) and then
// resolves Config from the environment via viper, applying defaults for
// everything the provider or the ingress layer needs but the caller did not
// set.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("STTRELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("upstream_url", "wss://streaming.example-stt.com/v1/listen")
	v.SetDefault("default_language", "en-US")
	v.SetDefault("default_model", "")
	v.SetDefault("default_sampling_rate", 16000)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("log_level", "info")

	cfg := Config{
		APIKey:              v.GetString("api_key"),
		UpstreamURL:         v.GetString("upstream_url"),
		DefaultLanguage:     v.GetString("default_language"),
		DefaultModel:        v.GetString("default_model"),
		DefaultSamplingRate: v.GetInt("default_sampling_rate"),
		HTTPAddr:            v.GetString("http_addr"),
		MetricsAddr:         v.GetString("metrics_addr"),
		LogLevel:            v.GetString("log_level"),
		DiagnosticsAPIKey:   v.GetString("diagnostics_api_key"),
	}

	return cfg, nil
}
