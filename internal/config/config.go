package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/cover-identifier/pkg/catalog"
)

// Config holds the application configuration
type Config struct {
	Logging    LoggingConfig    `json:"logging" yaml:"logging" toml:"logging"`
	Image      ImageConfig      `json:"image" yaml:"image" toml:"image"`
	Region     RegionConfig     `json:"region" yaml:"region" toml:"region"`
	Detector   DetectorConfig   `json:"detector" yaml:"detector" toml:"detector"`
	Preprocess PreprocessConfig `json:"preprocess" yaml:"preprocess" toml:"preprocess"`
	Embedding  EmbeddingConfig  `json:"embedding" yaml:"embedding" toml:"embedding"`
	Catalog    CatalogConfig    `json:"catalog" yaml:"catalog" toml:"catalog"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics" toml:"metrics"`
	Output     OutputConfig     `json:"output" yaml:"output" toml:"output"`
}

// LoggingConfig selects the zap preset and level
type LoggingConfig struct {
	Env   string `json:"env" yaml:"env" toml:"env"`       // prod, dev, local
	Level string `json:"level" yaml:"level" toml:"level"` // debug, info, warn, error
}

// ImageConfig holds configuration for image loading
type ImageConfig struct {
	SupportedFormats []string `json:"supported_formats" yaml:"supported_formats" toml:"supported_formats"`
	MinImageSize     int      `json:"min_image_size" yaml:"min_image_size" toml:"min_image_size"`
}

// RegionConfig chooses how the cover region is found
type RegionConfig struct {
	Strategy           string  `json:"strategy" yaml:"strategy" toml:"strategy"` // manual, detector
	DarknessThreshold  float64 `json:"darkness_threshold" yaml:"darkness_threshold" toml:"darkness_threshold"`
	WholeImagePrecheck bool    `json:"whole_image_precheck" yaml:"whole_image_precheck" toml:"whole_image_precheck"`
}

// DetectorConfig holds configuration for the detector region strategy
type DetectorConfig struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend"` // ollama, llamacpp, onnx, saliency

	// vision model backends
	URL           string  `json:"url" yaml:"url" toml:"url"`
	Model         string  `json:"model" yaml:"model" toml:"model"`
	Prompt        string  `json:"prompt" yaml:"prompt" toml:"prompt"`
	MaxDim        int     `json:"max_dim" yaml:"max_dim" toml:"max_dim"`
	Quality       int     `json:"quality" yaml:"quality" toml:"quality"`
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" toml:"min_confidence"`

	// onnx backend
	ModelPath           string   `json:"model_path" yaml:"model_path" toml:"model_path"`
	InputSize           int      `json:"input_size" yaml:"input_size" toml:"input_size"`
	ConfidenceThreshold float64  `json:"confidence_threshold" yaml:"confidence_threshold" toml:"confidence_threshold"`
	NMSThreshold        float64  `json:"nms_threshold" yaml:"nms_threshold" toml:"nms_threshold"`
	ClassIDs            []int    `json:"class_ids" yaml:"class_ids" toml:"class_ids"`
	ClassNames          []string `json:"class_names" yaml:"class_names" toml:"class_names"`

	Saliency SaliencyConfig `json:"saliency" yaml:"saliency" toml:"saliency"`
}

// SaliencyConfig tunes the model-free detector
type SaliencyConfig struct {
	EdgeThreshold   float64 `json:"edge_threshold" yaml:"edge_threshold" toml:"edge_threshold"`
	ContrastWeight  float64 `json:"contrast_weight" yaml:"contrast_weight" toml:"contrast_weight"`
	ColorWeight     float64 `json:"color_weight" yaml:"color_weight" toml:"color_weight"`
	MinSubjectRatio float64 `json:"min_subject_ratio" yaml:"min_subject_ratio" toml:"min_subject_ratio"`
	WorkingSize     int     `json:"working_size" yaml:"working_size" toml:"working_size"`
}

// PreprocessConfig holds the model input geometry
type PreprocessConfig struct {
	InputSize int `json:"input_size" yaml:"input_size" toml:"input_size"`
}

// EmbeddingConfig holds configuration for the feature extractor
type EmbeddingConfig struct {
	Engine     string       `json:"engine" yaml:"engine" toml:"engine"` // onnx, worker
	ModelPath  string       `json:"model_path" yaml:"model_path" toml:"model_path"`
	ConfigPath string       `json:"config_path" yaml:"config_path" toml:"config_path"`
	Layout     string       `json:"layout" yaml:"layout" toml:"layout"` // nhwc, nchw
	InputName  string       `json:"input_name" yaml:"input_name" toml:"input_name"`
	OutputName string       `json:"output_name" yaml:"output_name" toml:"output_name"`
	Dim        int          `json:"dim" yaml:"dim" toml:"dim"`
	PoolSize   int          `json:"pool_size" yaml:"pool_size" toml:"pool_size"`
	Worker     WorkerConfig `json:"worker" yaml:"worker" toml:"worker"`
	Cache      CacheConfig  `json:"cache" yaml:"cache" toml:"cache"`
}

// WorkerConfig describes an external inference process
type WorkerConfig struct {
	Command    string   `json:"command" yaml:"command" toml:"command"`
	Args       []string `json:"args" yaml:"args" toml:"args"`
	TimeoutSec int      `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"`
}

// CacheConfig enables the Redis/Valkey embedding cache when Addrs is set
type CacheConfig struct {
	Addrs     []string `json:"addrs" yaml:"addrs" toml:"addrs"`
	Password  string   `json:"password" yaml:"password" toml:"password"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix" toml:"key_prefix"`
	TTLSec    int      `json:"ttl_sec" yaml:"ttl_sec" toml:"ttl_sec"`
}

// Enabled reports whether a cache server is configured
func (c CacheConfig) Enabled() bool { return len(c.Addrs) > 0 }

// CatalogConfig points at the reference embeddings
type CatalogConfig struct {
	Format     string `json:"format" yaml:"format" toml:"format"` // npy, sqlite, postgres
	Embeddings string `json:"embeddings" yaml:"embeddings" toml:"embeddings"`
	Labels     string `json:"labels" yaml:"labels" toml:"labels"`
	Path       string `json:"path" yaml:"path" toml:"path"`
	DSN        string `json:"dsn" yaml:"dsn" toml:"dsn"`
	Table      string `json:"table" yaml:"table" toml:"table"`
	// SQLIndex answers similarity queries in Postgres instead of in memory.
	SQLIndex bool `json:"sql_index" yaml:"sql_index" toml:"sql_index"`
}

// MetricsConfig holds the node-exporter textfile destination
type MetricsConfig struct {
	Textfile string `json:"textfile" yaml:"textfile" toml:"textfile"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	WithScore   bool   `json:"with_score" yaml:"with_score" toml:"with_score"`
	CropDir     string `json:"crop_dir" yaml:"crop_dir" toml:"crop_dir"`
	CropFormat  string `json:"crop_format" yaml:"crop_format" toml:"crop_format"`
	CropQuality int    `json:"crop_quality" yaml:"crop_quality" toml:"crop_quality"`
	Suffix      string `json:"suffix" yaml:"suffix" toml:"suffix"`
	// Overlay also writes the full photo with the selected region outlined
	Overlay bool `json:"overlay" yaml:"overlay" toml:"overlay"`
}

// Default returns a configuration with default values
func Default() *Config {
	c := &Config{
		Catalog: CatalogConfig{
			Format:     "npy",
			Embeddings: "embeddings.npy",
			Labels:     "labels.json",
		},
		Embedding: EmbeddingConfig{
			Engine:    "onnx",
			ModelPath: "efficientnetb0_embed.onnx",
			Dim:       1280,
		},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Logging.Env == "" {
		c.Logging.Env = "prod"
	}
	if len(c.Image.SupportedFormats) == 0 {
		c.Image.SupportedFormats = []string{"jpeg", "png", "webp", "bmp", "tiff", "gif"}
	}
	if c.Image.MinImageSize <= 0 {
		c.Image.MinImageSize = 1
	}
	if c.Region.Strategy == "" {
		c.Region.Strategy = "manual"
	}
	if c.Region.DarknessThreshold <= 0 {
		c.Region.DarknessThreshold = 5
	}
	if c.Detector.Backend == "" {
		c.Detector.Backend = "ollama"
	}
	if c.Detector.MaxDim <= 0 {
		c.Detector.MaxDim = 1024
	}
	if c.Detector.Quality <= 0 {
		c.Detector.Quality = 90
	}
	if c.Detector.InputSize <= 0 {
		c.Detector.InputSize = 640
	}
	if c.Detector.ConfidenceThreshold <= 0 {
		c.Detector.ConfidenceThreshold = 0.25
	}
	if c.Detector.NMSThreshold <= 0 {
		c.Detector.NMSThreshold = 0.45
	}
	if c.Detector.Saliency.WorkingSize <= 0 {
		c.Detector.Saliency = SaliencyConfig{
			EdgeThreshold:   0.01,
			ContrastWeight:  0.7,
			ColorWeight:     0.3,
			MinSubjectRatio: 0.05,
			WorkingSize:     256,
		}
	}
	if c.Preprocess.InputSize <= 0 {
		c.Preprocess.InputSize = 224
	}
	if c.Embedding.Layout == "" {
		c.Embedding.Layout = "nhwc"
	}
	if c.Embedding.PoolSize <= 0 {
		c.Embedding.PoolSize = 1
	}
	if c.Embedding.Worker.TimeoutSec <= 0 {
		c.Embedding.Worker.TimeoutSec = 30
	}
	if c.Embedding.Cache.KeyPrefix == "" {
		c.Embedding.Cache.KeyPrefix = "coverid:emb:"
	}
	if c.Embedding.Cache.TTLSec <= 0 {
		c.Embedding.Cache.TTLSec = 86400
	}
	if c.Catalog.Table == "" {
		c.Catalog.Table = "album_embeddings"
	}
	if c.Output.CropFormat == "" {
		c.Output.CropFormat = "jpg"
	}
	if c.Output.CropQuality <= 0 {
		c.Output.CropQuality = 90
	}
	if c.Output.Suffix == "" {
		c.Output.Suffix = "_cover"
	}
}

// LoadFromFile loads configuration from a JSON, YAML or TOML file, chosen by
// extension. ${VAR} and ${VAR:-default} are expanded before parsing and
// missing values are filled with defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	data = expandEnvVars(data)

	config := Default()
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".json":
		err = json.Unmarshal(data, config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".toml":
		err = toml.NewDecoder(bytes.NewReader(data)).Decode(config)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration in the format implied by the extension
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".toml":
		data, err = toml.Marshal(c)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}

	if c.Image.MinImageSize < 1 {
		return fmt.Errorf("image.min_image_size must be positive")
	}
	if len(c.Image.SupportedFormats) == 0 {
		return fmt.Errorf("image.supported_formats cannot be empty")
	}

	switch c.Region.Strategy {
	case "manual":
	case "detector":
		if err := c.Detector.validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("region.strategy must be manual or detector, got %q", c.Region.Strategy)
	}
	if c.Region.DarknessThreshold < 0 || c.Region.DarknessThreshold > 255 {
		return fmt.Errorf("region.darkness_threshold must be between 0 and 255")
	}

	if c.Preprocess.InputSize < 1 {
		return fmt.Errorf("preprocess.input_size must be positive")
	}

	if err := c.Embedding.validate(); err != nil {
		return err
	}
	if err := c.Catalog.validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Output.CropFormat) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.crop_format must be jpg, png or webp, got %q", c.Output.CropFormat)
	}
	if c.Output.Overlay && c.Output.CropDir == "" {
		return fmt.Errorf("output.overlay requires output.crop_dir")
	}
	if c.Output.CropQuality < 1 || c.Output.CropQuality > 100 {
		return fmt.Errorf("output.crop_quality must be between 1 and 100")
	}
	return nil
}

// ValidateDetector checks the detector section even when the region
// strategy does not use it.
func (c *Config) ValidateDetector() error {
	return c.Detector.validate()
}

func (d DetectorConfig) validate() error {
	switch d.Backend {
	case "ollama", "llamacpp":
		if d.URL == "" {
			return fmt.Errorf("detector.url is required for the %s backend", d.Backend)
		}
		if d.Model == "" {
			return fmt.Errorf("detector.model is required for the %s backend", d.Backend)
		}
	case "onnx":
		if d.ModelPath == "" {
			return fmt.Errorf("detector.model_path is required for the onnx backend")
		}
		if d.NMSThreshold < 0 || d.NMSThreshold > 1 {
			return fmt.Errorf("detector.nms_threshold must be between 0 and 1")
		}
	case "saliency":
		if d.Saliency.MinSubjectRatio < 0 || d.Saliency.MinSubjectRatio > 1 {
			return fmt.Errorf("detector.saliency.min_subject_ratio must be between 0 and 1")
		}
	default:
		return fmt.Errorf("detector.backend must be ollama, llamacpp, onnx or saliency, got %q", d.Backend)
	}
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		return fmt.Errorf("detector.min_confidence must be between 0 and 1")
	}
	return nil
}

func (e EmbeddingConfig) validate() error {
	switch e.Engine {
	case "onnx":
		if e.ModelPath == "" {
			return fmt.Errorf("embedding.model_path is required for the onnx engine")
		}
	case "worker":
		if e.Worker.Command == "" {
			return fmt.Errorf("embedding.worker.command is required for the worker engine")
		}
	default:
		return fmt.Errorf("embedding.engine must be onnx or worker, got %q", e.Engine)
	}
	switch e.Layout {
	case "nhwc", "nchw":
	default:
		return fmt.Errorf("embedding.layout must be nhwc or nchw, got %q", e.Layout)
	}
	if e.Dim < 0 {
		return fmt.Errorf("embedding.dim must not be negative")
	}
	if e.PoolSize < 1 {
		return fmt.Errorf("embedding.pool_size must be positive")
	}
	return nil
}

func (c CatalogConfig) validate() error {
	switch c.Format {
	case "npy":
		if c.Embeddings == "" || c.Labels == "" {
			return fmt.Errorf("catalog.embeddings and catalog.labels are required for the npy format")
		}
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("catalog.path is required for the sqlite format")
		}
	case "postgres":
		if c.DSN == "" {
			return fmt.Errorf("catalog.dsn is required for the postgres format")
		}
	default:
		return fmt.Errorf("catalog.format must be npy, sqlite or postgres, got %q", c.Format)
	}
	if c.SQLIndex && c.Format != "postgres" {
		return fmt.Errorf("catalog.sql_index requires the postgres format")
	}
	if !catalog.ValidTableName(c.Table) {
		return fmt.Errorf("catalog.table %q is not a valid identifier", c.Table)
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./coverid.yaml"
	}
	return filepath.Join(home, ".config", "coverid", "config.yaml")
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		name, def, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(name)
		if val == "" && hasDefault {
			val = def
		}
		return []byte(val)
	})
}
