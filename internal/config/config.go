package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LLM provider names.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all configuration values.
type Config struct {
	// Client
	ServerURL     string
	Token         string
	ClientTimeout time.Duration
	TopicID       int64
	StateDir      string

	// Reference server
	ServerPort     int
	ServerToken    string
	RetrievalLimit int

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// LLM
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Embeddings (empty provider disables vector retrieval)
	EmbedProvider  string
	EmbedModel     string
	EmbedDimension int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	provider := strings.ToLower(getEnv("KBCHAT_LLM_PROVIDER", ProviderOllama))

	return Config{
		// Client
		ServerURL:     strings.TrimRight(getEnv("KBCHAT_SERVER_URL", "http://localhost:8585"), "/"),
		Token:         getEnv("KBCHAT_TOKEN", ""),
		ClientTimeout: getDuration("KBCHAT_CLIENT_TIMEOUT", 10*time.Minute),
		TopicID:       int64(getInt("KBCHAT_TOPIC_ID", 0)),
		StateDir:      getEnv("KBCHAT_STATE_DIR", defaultStateDir()),

		// Server
		ServerPort:     getInt("KBCHAT_SERVER_PORT", 8585),
		ServerToken:    getEnv("KBCHAT_SERVER_TOKEN", ""),
		RetrievalLimit: getInt("KBCHAT_RETRIEVAL_LIMIT", 5),

		// SurrealDB
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "kbchat"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "kbchat"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		// LLM
		LLMProvider:     provider,
		LLMModel:        getEnv("KBCHAT_LLM_MODEL", defaultModel(provider)),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		// Embeddings
		EmbedProvider:  strings.ToLower(getEnv("KBCHAT_EMBED_PROVIDER", "")),
		EmbedModel:     getEnv("KBCHAT_EMBED_MODEL", "all-minilm:l6-v2"),
		EmbedDimension: getInt("KBCHAT_EMBED_DIMENSION", 384),

		// Logging
		LogFile:  getEnv("KBCHAT_LOG_FILE", filepath.Join(os.TempDir(), "kbchat.log")),
		LogLevel: parseLogLevel(getEnv("KBCHAT_LOG_LEVEL", "INFO")),
	}
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	default:
		return "llama3.2"
	}
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kbchat")
	}
	return filepath.Join(dir, "kbchat")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", val)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
