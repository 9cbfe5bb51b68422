package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Transport
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.base_url", "https://api.telegram.org")
	viper.SetDefault("telegram.poll_timeout", 30*time.Second)
	viper.SetDefault("telegram.allowed_user_ids", []string{})
	viper.SetDefault("telegram.max_concurrency", 8)
	viper.SetDefault("telegram.task_timeout", 5*time.Minute)

	// Processing pipeline
	viper.SetDefault("pipeline.base_url", "http://127.0.0.1:8000")
	viper.SetDefault("pipeline.request_timeout", 90*time.Second)
	viper.SetDefault("pipeline.search_limit", 5)

	// Contact directory
	viper.SetDefault("directory.base_url", "http://127.0.0.1:8100")
	viper.SetDefault("directory.request_timeout", 15*time.Second)

	// Raw-file fallback storage
	viper.SetDefault("storage.dir", "/var/lib/voicerelay")
	viper.SetDefault("storage.max_age", 7*24*time.Hour)
	viper.SetDefault("storage.max_files", 1000)
	viper.SetDefault("storage.max_total_bytes", int64(512*1024*1024))

	// Notify HTTP surface
	viper.SetDefault("notify.listen", ":8080")

	// Logging
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.add_source", false)
	viper.SetDefault("trace", false)
}
