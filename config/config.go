package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabfab/juris-guard/domain"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderHugot  = "hugot"

	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	DefaultDenialAnswer = "Access denied or no relevant documents."
)

type Config struct {
	Models     ModelsConfig     `yaml:"models"`
	Storage    StorageConfig    `yaml:"storage"`
	Security   SecurityConfig   `yaml:"security"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Query      QueryConfig      `yaml:"query"`
	API        APIConfig        `yaml:"api"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ModelsConfig struct {
	Embeddings    EmbeddingConfig `yaml:"embeddings"`
	LLM           LLMConfig       `yaml:"llm"`
	OllamaHost    string          `yaml:"ollama_host"`
	OpenAIAPIKey  string          `yaml:"openai_api_key"`
	OpenAIBaseURL string          `yaml:"openai_base_url"`
	HugotModelDir string          `yaml:"hugot_model_dir"`
}

type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	TopP        float32       `yaml:"top_p"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

type StorageConfig struct {
	IndexBackend string      `yaml:"index_backend"`
	PostgresDSN  string      `yaml:"postgres_dsn"`
	Neo4j        Neo4jConfig `yaml:"neo4j"`
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// HardPattern is a regular expression that pins a category to 1.0 when it matches.
type HardPattern struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Flags   string `yaml:"flags"`
	Tag     string `yaml:"tag"`
}

type SecurityConfig struct {
	HardPatterns        []HardPattern     `yaml:"hard_patterns"`
	SensitiveKeywords   []string          `yaml:"sensitive_keywords"`
	PublicKeywords      []string          `yaml:"public_keywords"`
	SemanticLabels      map[string]string `yaml:"semantic_labels"`
	SimilarityThreshold float64           `yaml:"similarity_threshold"`
	SentinelThreshold   float64           `yaml:"sentinel_threshold"`
}

type IngestionConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	DataDir      string `yaml:"data_dir"`
	Watch        bool   `yaml:"watch"`
}

type QueryConfig struct {
	TopK         int    `yaml:"top_k"`
	DenialAnswer string `yaml:"denial_answer"`
}

type APIConfig struct {
	Addr           string   `yaml:"addr"`
	Origins        []string `yaml:"origins"`
	MaxUploadBytes int64    `yaml:"max_upload_bytes"`
}

type EvaluationConfig struct {
	CasesFile   string `yaml:"cases_file"`
	Parallelism int    `yaml:"parallelism"`
	Judge       string `yaml:"judge"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Models: ModelsConfig{
			Embeddings: EmbeddingConfig{
				Provider:  ProviderOllama,
				Model:     "all-minilm",
				Dimension: 384,
				Timeout:   30 * time.Second,
			},
			LLM: LLMConfig{
				Provider:    ProviderOllama,
				Model:       "phi3:mini",
				Temperature: 0.7,
				TopP:        0.9,
				MaxTokens:   256,
				Timeout:     90 * time.Second,
			},
			OllamaHost:    "http://localhost:11434",
			HugotModelDir: "./models",
		},
		Storage: StorageConfig{
			IndexBackend: BackendMemory,
			PostgresDSN:  "postgres://localhost:5432/juris-guard?sslmode=disable",
			Neo4j: Neo4jConfig{
				URI:      "neo4j://localhost:7687",
				Username: "neo4j",
				Password: "password",
			},
		},
		Security: SecurityConfig{
			HardPatterns: []HardPattern{
				{Name: "project_chimera", Pattern: `\bProject\s+Chimera\b`, Flags: "IGNORECASE", Tag: "project_chimera"},
				{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Tag: "ssn"},
				{Name: "credit_card", Pattern: `\b(?:\d[ -]*?){13,16}\b`, Tag: "credit_card"},
				{Name: "confidential", Pattern: `\bconfidential\b`, Flags: "IGNORECASE", Tag: "confidential"},
				{Name: "internal", Pattern: `\binternal\s+use\s+only\b`, Flags: "IGNORECASE", Tag: "internal"},
				{Name: "trade_secret", Pattern: `\btrade\s+secret\b`, Flags: "IGNORECASE", Tag: "trade_secret"},
			},
			SensitiveKeywords: []string{
				"confidential", "proprietary", "internal only", "do not distribute",
				"trade secret", "strategic plan", "financial forecast", "merger", "acquisition",
			},
			PublicKeywords: []string{
				"public", "published", "press release", "policy", "terms and conditions",
			},
			SimilarityThreshold: 0.55,
			SentinelThreshold:   0.85,
		},
		Ingestion: IngestionConfig{
			ChunkSize:    500,
			ChunkOverlap: 50,
			DataDir:      "./data",
		},
		Query: QueryConfig{
			TopK:         3,
			DenialAnswer: DefaultDenialAnswer,
		},
		API: APIConfig{
			Addr:           ":8000",
			MaxUploadBytes: 32 << 20,
		},
		Evaluation: EvaluationConfig{
			Parallelism: 1,
			Judge:       "keyword",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "pretty",
		},
	}
}

// Load reads the yaml file at path on top of the defaults and then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Storage.PostgresDSN = getEnv("POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.IndexBackend = getEnv("INDEX_BACKEND", cfg.Storage.IndexBackend)
	cfg.Storage.Neo4j.URI = getEnv("NEO4J_URI", cfg.Storage.Neo4j.URI)
	cfg.Storage.Neo4j.Username = getEnv("NEO4J_USERNAME", cfg.Storage.Neo4j.Username)
	cfg.Storage.Neo4j.Password = getEnv("NEO4J_PASSWORD", cfg.Storage.Neo4j.Password)
	cfg.Storage.Neo4j.Enabled = getEnvBool("NEO4J_ENABLED", cfg.Storage.Neo4j.Enabled)

	cfg.Models.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.Models.OpenAIAPIKey)
	cfg.Models.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.Models.OpenAIBaseURL)
	cfg.Models.OllamaHost = getEnv("OLLAMA_HOST", cfg.Models.OllamaHost)
	cfg.Models.Embeddings.Provider = getEnv("EMBEDDING_PROVIDER", cfg.Models.Embeddings.Provider)
	cfg.Models.Embeddings.Model = getEnv("EMBEDDING_MODEL", cfg.Models.Embeddings.Model)
	cfg.Models.LLM.Provider = getEnv("LLM_PROVIDER", cfg.Models.LLM.Provider)
	cfg.Models.LLM.Model = getEnv("LLM_MODEL", cfg.Models.LLM.Model)

	cfg.Evaluation.CasesFile = getEnv("EVAL_CASES_FILE", cfg.Evaluation.CasesFile)
	cfg.Evaluation.Judge = getEnv("EVAL_JUDGE", cfg.Evaluation.Judge)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
}

// applyDefaults fills values a partial yaml file may have zeroed.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Query.DenialAnswer == "" {
		cfg.Query.DenialAnswer = def.Query.DenialAnswer
	}
	if cfg.API.MaxUploadBytes <= 0 {
		cfg.API.MaxUploadBytes = def.API.MaxUploadBytes
	}
	if cfg.Evaluation.Parallelism <= 0 {
		cfg.Evaluation.Parallelism = 1
	}
	if cfg.Models.Embeddings.Timeout <= 0 {
		cfg.Models.Embeddings.Timeout = def.Models.Embeddings.Timeout
	}
	if cfg.Models.LLM.Timeout <= 0 {
		cfg.Models.LLM.Timeout = def.Models.LLM.Timeout
	}
	if cfg.Storage.IndexBackend == "" {
		cfg.Storage.IndexBackend = BackendMemory
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Ingestion.ChunkSize <= 0 {
		return domain.Configurationf("validate config", "chunk_size must be positive, got %d", c.Ingestion.ChunkSize)
	}
	if c.Ingestion.ChunkOverlap < 0 {
		return domain.Configurationf("validate config", "chunk_overlap must not be negative, got %d", c.Ingestion.ChunkOverlap)
	}
	if c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return domain.Configurationf("validate config", "chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Ingestion.ChunkOverlap, c.Ingestion.ChunkSize)
	}
	if c.Security.SimilarityThreshold < 0 || c.Security.SimilarityThreshold > 1 {
		return domain.Configurationf("validate config", "similarity_threshold must be within [0,1], got %v", c.Security.SimilarityThreshold)
	}
	if c.Security.SentinelThreshold < 0 || c.Security.SentinelThreshold > 1 {
		return domain.Configurationf("validate config", "sentinel_threshold must be within [0,1], got %v", c.Security.SentinelThreshold)
	}
	if c.Query.TopK <= 0 {
		return domain.Configurationf("validate config", "top_k must be positive, got %d", c.Query.TopK)
	}
	switch c.Storage.IndexBackend {
	case BackendMemory, BackendPostgres:
	default:
		return domain.Configurationf("validate config", "unknown index backend %q", c.Storage.IndexBackend)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
