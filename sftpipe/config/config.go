package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/sftpipe/sftpipe"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/masking"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/pipeline"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/source"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/tokenizer"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file, environment variables
// or command line flags.
type Config struct {
	Registry  string          `mapstructure:"registry"`
	Datasets  []string        `mapstructure:"datasets"`
	DataDir   string          `mapstructure:"dataDir"`
	Template  string          `mapstructure:"template"`
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`
	Masking   MaskingConfig   `mapstructure:"masking"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Output    OutputConfig    `mapstructure:"output"`
	S3        S3Config        `mapstructure:"s3"`
	Log       LogConfig       `mapstructure:"log"`
}

// TokenizerConfig selects the tokenizer backend
type TokenizerConfig struct {
	Kind    string `mapstructure:"kind"`
	Path    string `mapstructure:"path"`
	BOS     string `mapstructure:"bos"`
	EOS     string `mapstructure:"eos"`
	Pad     string `mapstructure:"pad"`
	Retries int    `mapstructure:"retries"`
}

// MaskingConfig stores the context budget settings
type MaskingConfig struct {
	Budget     int    `mapstructure:"budget"`
	DropPolicy string `mapstructure:"dropPolicy"`
	// TrainOnSource supervises prompt tokens as well as responses
	TrainOnSource bool `mapstructure:"trainOnSource"`
}

// PipelineConfig stores worker pool settings
type PipelineConfig struct {
	Workers       int     `mapstructure:"workers"`
	QueueCapacity int     `mapstructure:"queueCapacity"`
	MaxSamples    int     `mapstructure:"maxSamples"`
	PadTo         int     `mapstructure:"padTo"`
	SkipWarnRatio float64 `mapstructure:"skipWarnRatio"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DSN       string `mapstructure:"dsn"`
	AuthToken string `mapstructure:"authToken"`
}

// OutputConfig stores where examples go
type OutputConfig struct {
	Path         string         `mapstructure:"path"`
	EvalPath     string         `mapstructure:"evalPath"`
	EvalFraction float64        `mapstructure:"evalFraction"`
	MaxEval      int            `mapstructure:"maxEval"`
	Seed         uint64         `mapstructure:"seed"`
	Database     DatabaseConfig `mapstructure:"database"`
}

// S3Config stores settings for s3:// dataset locations
type S3Config struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// LogConfig stores logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"registry":        "registry",
	"datasets":        "datasets",
	"data-dir":        "dataDir",
	"template":        "template",
	"tokenizer":       "tokenizer.path",
	"tokenizer-kind":  "tokenizer.kind",
	"budget":          "masking.budget",
	"drop-policy":     "masking.dropPolicy",
	"train-on-source": "masking.trainOnSource",
	"workers":         "pipeline.workers",
	"queue":           "pipeline.queueCapacity",
	"max-samples":     "pipeline.maxSamples",
	"pad-to":          "pipeline.padTo",
	"output":          "output.path",
	"eval-output":     "output.evalPath",
	"eval-fraction":   "output.evalFraction",
	"db":              "output.database.enabled",
	"log-level":       "log.level",
	"pretty":          "log.pretty",
}

// RegisterFlags defines the command line flags understood by LoadConfig
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("registry", "", "dataset registry YAML (built-in registry when empty)")
	fs.StringSlice("datasets", nil, "comma separated dataset identifiers")
	fs.String("data-dir", ".", "base directory for relative dataset locations")
	fs.String("template", internal.DefaultTemplate, "template style")
	fs.String("tokenizer", "", "tokenizer.json, vocab.txt or a directory containing one")
	fs.String("tokenizer-kind", tokenizer.KindHuggingFace, "tokenizer backend: huggingface, wordpiece or vocab")
	fs.Int("budget", internal.DefaultContextSize, "context budget in tokens (0 disables truncation)")
	fs.String("drop-policy", internal.DefaultDropPolicy, "over-budget policy: drop_oldest or drop_none")
	fs.Bool("train-on-source", false, "compute loss on prompt tokens too")
	fs.Int("workers", 0, "worker goroutines (0 uses the CPU count)")
	fs.Int("queue", 0, "output queue capacity (0 uses twice the workers)")
	fs.Int("max-samples", 0, "maximum records taken per dataset (0 is unlimited)")
	fs.Int("pad-to", 0, "right-pad examples to this length")
	fs.String("output", internal.DefaultOutputPath, "train JSONL output path")
	fs.String("eval-output", "", "eval JSONL output path")
	fs.Float64("eval-fraction", 0, "fraction of records routed to the eval split")
	fs.Bool("db", false, "also store examples and the run report in libsql")
	fs.String("log-level", "info", "log level")
	fs.Bool("pretty", false, "human readable logs")
}

// LoadConfig reads configuration from file, environment variables and the
// given flags. Flags only override values when set explicitly.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	cfg.Datasets = splitList(cfg.Datasets)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry", "")
	v.SetDefault("datasets", []string{})
	v.SetDefault("dataDir", ".")
	v.SetDefault("template", internal.DefaultTemplate)

	v.SetDefault("tokenizer.kind", tokenizer.KindHuggingFace)
	v.SetDefault("tokenizer.path", "")
	v.SetDefault("tokenizer.bos", "")
	v.SetDefault("tokenizer.eos", "")
	v.SetDefault("tokenizer.pad", "")
	v.SetDefault("tokenizer.retries", 1)

	v.SetDefault("masking.budget", internal.DefaultContextSize)
	v.SetDefault("masking.dropPolicy", internal.DefaultDropPolicy)
	v.SetDefault("masking.trainOnSource", false)

	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.queueCapacity", 0)
	v.SetDefault("pipeline.maxSamples", 0)
	v.SetDefault("pipeline.padTo", 0)
	v.SetDefault("pipeline.skipWarnRatio", pipeline.DefaultSkipWarnRatio)

	v.SetDefault("output.path", internal.DefaultOutputPath)
	v.SetDefault("output.evalPath", "")
	v.SetDefault("output.evalFraction", 0.0)
	v.SetDefault("output.maxEval", 0)
	v.SetDefault("output.seed", 42)
	v.SetDefault("output.database.enabled", false)
	v.SetDefault("output.database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("output.database.authToken", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// splitList flattens comma separated entries
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports the first invalid value as a ConfigError
func (c *Config) Validate() error {
	if c.Masking.Budget < 0 {
		return common.ConfigErrorf("masking.budget", "must not be negative, got %d", c.Masking.Budget)
	}
	if _, err := masking.ParseDropPolicy(c.Masking.DropPolicy); err != nil {
		return err
	}
	if c.Pipeline.Workers < 0 {
		return common.ConfigErrorf("pipeline.workers", "must not be negative, got %d", c.Pipeline.Workers)
	}
	if c.Pipeline.QueueCapacity < 0 {
		return common.ConfigErrorf("pipeline.queueCapacity", "must not be negative, got %d", c.Pipeline.QueueCapacity)
	}
	if c.Pipeline.SkipWarnRatio < 0 || c.Pipeline.SkipWarnRatio > 1 {
		return common.ConfigErrorf("pipeline.skipWarnRatio", "must be in [0,1], got %v", c.Pipeline.SkipWarnRatio)
	}
	if c.Output.EvalFraction < 0 || c.Output.EvalFraction >= 1 {
		return common.ConfigErrorf("output.evalFraction", "must be in [0,1), got %v", c.Output.EvalFraction)
	}
	if c.Output.EvalFraction > 0 && c.Output.EvalPath == "" {
		return common.ConfigErrorf("output.evalPath", "required when output.evalFraction is set")
	}
	if c.Tokenizer.Retries < 0 {
		return common.ConfigErrorf("tokenizer.retries", "must not be negative, got %d", c.Tokenizer.Retries)
	}
	return nil
}

// TokenizerOptions converts the tokenizer section
func (c *Config) TokenizerOptions() tokenizer.Config {
	return tokenizer.Config{
		Kind:    c.Tokenizer.Kind,
		Path:    c.Tokenizer.Path,
		BOS:     c.Tokenizer.BOS,
		EOS:     c.Tokenizer.EOS,
		Pad:     c.Tokenizer.Pad,
		Retries: c.Tokenizer.Retries,
	}
}

// PipelineOptions converts the pipeline related sections
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Template:      c.Template,
		Budget:        c.Masking.Budget,
		Policy:        masking.DropPolicy(strings.ToLower(strings.TrimSpace(c.Masking.DropPolicy))),
		TrainOnSource: c.Masking.TrainOnSource,
		PadTo:         c.Pipeline.PadTo,
		Workers:       c.Pipeline.Workers,
		QueueCapacity: c.Pipeline.QueueCapacity,
		MaxSamples:    c.Pipeline.MaxSamples,
		SkipWarnRatio: c.Pipeline.SkipWarnRatio,
		Source: source.Options{
			DataDir:    c.DataDir,
			IgnoreFile: internal.DefaultIgnoreFile,
		},
	}
}

// S3Options converts the s3 section
func (c *Config) S3Options() source.S3Config {
	return source.S3Config{Region: c.S3.Region, Endpoint: c.S3.Endpoint}
}
