package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all canvasflow server configuration.
// Priority: env vars (CANVASFLOW_*) > settings.yaml > defaults.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	BaseURL    string `mapstructure:"base_url"`
	DBPath     string `mapstructure:"db_path"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	GeminiAPIKey    string `mapstructure:"gemini_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	ReplicateAPIKey string `mapstructure:"replicate_api_key"`
	FalAPIKey       string `mapstructure:"fal_api_key"`

	PollInterval    time.Duration `mapstructure:"poll_interval"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	InlineThreshold int           `mapstructure:"inline_threshold"`
	CatalogTTL      time.Duration `mapstructure:"catalog_ttl"`
	Scheduler       bool          `mapstructure:"scheduler"`
}

func canvasflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".canvasflow"
	}
	return filepath.Join(home, ".canvasflow")
}

func initConfig() {
	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("base_url", "")
	viper.SetDefault("db_path", filepath.Join(canvasflowDir(), "canvasflow.db"))
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("poll_interval", time.Second)
	viper.SetDefault("poll_timeout", 5*time.Minute)
	viper.SetDefault("inline_threshold", 1<<20)
	viper.SetDefault("catalog_ttl", 10*time.Minute)
	viper.SetDefault("scheduler", true)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(canvasflowDir())
		viper.SetConfigName("settings")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CANVASFLOW")
	viper.AutomaticEnv()

	// Missing config file is fine; defaults plus env carry the day.
	_ = viper.ReadInConfig()

	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))

	_ = viper.Unmarshal(&cfg)

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
}
