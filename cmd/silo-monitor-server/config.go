package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-monitor/internal/api/http"
	"github.com/EternisAI/silo-monitor/internal/db"
	"github.com/EternisAI/silo-monitor/internal/heartbeat"
	"github.com/EternisAI/silo-monitor/internal/logstream"
	"github.com/EternisAI/silo-monitor/internal/notify"
	"github.com/EternisAI/silo-monitor/internal/scheduler"
	"github.com/EternisAI/silo-monitor/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      http.Config
	Grpc      GrpcConfig
	DB        db.Config `mapstructure:"db"`
	Nats      NatsConfig
	Heartbeat heartbeat.Config
	Telemetry telemetry.Config
	Logstream logstream.Config
	Notify    notify.Config
	Scheduler scheduler.Config
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth string `mapstructure:"client_auth"`
}

// NatsConfig enables the nats notification channel type when URL is set.
type NatsConfig struct {
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-monitor-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("http.auth.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("db.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(redacted(config), "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

func redacted(c Config) Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	c.Http.AdminAPIKey = mask(c.Http.AdminAPIKey)
	c.Http.AgentAPIKey = mask(c.Http.AgentAPIKey)
	c.Http.Auth.JWTSecret = mask(c.Http.Auth.JWTSecret)
	c.DB.URL = mask(c.DB.URL)
	return c
}
