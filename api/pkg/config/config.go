package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	WebServer WebServer
	Store     Store
	Docker    Docker
	Ports     Ports
	GPU       GPU
	Engines   Engines

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"PORT" default:"3001"`

	// CORS origin for the browser UI. Empty means same origin only.
	FrontendURL string `envconfig:"FRONTEND_URL" default:""`
}

type Store struct {
	// Path of the embedded sqlite database file. Created on first run.
	Path        string `envconfig:"DB_PATH" default:"modelharbor.db"`
	AutoMigrate bool   `envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

type Docker struct {
	SocketPath string `envconfig:"DOCKER_SOCKET_PATH" default:"/var/run/docker.sock"`

	CreateTimeout  time.Duration `envconfig:"DOCKER_CREATE_TIMEOUT" default:"30s"`
	StopTimeout    time.Duration `envconfig:"DOCKER_STOP_TIMEOUT" default:"30s"`
	InspectTimeout time.Duration `envconfig:"DOCKER_INSPECT_TIMEOUT" default:"5s"`
	LogsTimeout    time.Duration `envconfig:"DOCKER_LOGS_TIMEOUT" default:"10s"`
}

type Ports struct {
	Min int `envconfig:"MIN_PORT" default:"8001"`
	Max int `envconfig:"MAX_PORT" default:"8999"`
}

type GPU struct {
	QueryTimeout time.Duration `envconfig:"GPU_QUERY_TIMEOUT" default:"5s"`
}

type Engines struct {
	VLLMImage   string `envconfig:"VLLM_IMAGE" default:"vllm/vllm-openai:latest"`
	OllamaImage string `envconfig:"OLLAMA_IMAGE" default:"ollama/ollama:latest"`

	DefaultHostname string `envconfig:"DEFAULT_HOSTNAME" default:"localhost"`
	DefaultAPIKey   string `envconfig:"DEFAULT_API_KEY" default:""`

	// Forwarded into vLLM containers for gated model downloads.
	HuggingfaceToken string `envconfig:"HF_TOKEN" default:""`

	// Reconcile daemon state against the store on process start.
	AutoImportOrphans bool `envconfig:"AUTO_IMPORT_ORPHANS" default:"true"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	if cfg.Ports.Min <= 0 || cfg.Ports.Max < cfg.Ports.Min {
		return ServerConfig{}, fmt.Errorf("invalid port range %d-%d", cfg.Ports.Min, cfg.Ports.Max)
	}
	return cfg, nil
}
