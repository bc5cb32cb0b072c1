package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig
	Grpc      GrpcConfig
	Collector CollectorConfig
	Labels    map[string]string `mapstructure:"labels"`
}

type GrpcConfig struct {
	ServerAddress     string        `mapstructure:"server_address"`
	AgentID           string        `mapstructure:"agent_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TLS               TLSConfig     `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

type CollectorConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	CPUSample time.Duration `mapstructure:"cpu_sample"`
	DiskPath  string        `mapstructure:"disk_path"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-monitor-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(err)
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if config.Grpc.AgentID == "" {
		config.Grpc.AgentID = uuid.NewString()
		if err := saveAgentID(viper.ConfigFileUsed(), config.Grpc.AgentID); err != nil {
			slog.Warn("Failed to persist generated agent ID", "agent_id", config.Grpc.AgentID, "error", err)
		} else {
			slog.Info("Generated agent ID", "agent_id", config.Grpc.AgentID, "file", viper.ConfigFileUsed())
		}
	}

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}

// saveAgentID writes grpc.agent_id into the YAML file at path, keeping the
// rest of the document and its comments intact.
func saveAgentID(path, agentID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}

	grpcNode := mappingValue(root, "grpc")
	if grpcNode == nil {
		grpcNode = &yaml.Node{Kind: yaml.MappingNode}
		root.Content = append(root.Content, scalar("grpc"), grpcNode)
	}
	if idNode := mappingValue(grpcNode, "agent_id"); idNode != nil {
		idNode.Kind = yaml.ScalarNode
		idNode.Tag = "!!str"
		idNode.Value = agentID
	} else {
		grpcNode.Content = append(grpcNode.Content, scalar("agent_id"), scalar(agentID))
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, info.Mode().Perm())
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}
