package http

import "github.com/EternisAI/silo-monitor/internal/auth"

type Config struct {
	Port           uint        `mapstructure:"port"`
	AdminAPIKey    string      `mapstructure:"admin_api_key"`
	AgentAPIKey    string      `mapstructure:"agent_api_key"`
	AllowedOrigins []string    `mapstructure:"allowed_origins"`
	Auth           auth.Config `mapstructure:"auth"`
}
