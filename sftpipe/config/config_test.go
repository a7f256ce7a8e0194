package config

import (
	"os"
	"path/filepath"
	"testing"

	internal "github.com/ZanzyTHEbar/sftpipe/sftpipe"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/common"
	"github.com/ZanzyTHEbar/sftpipe/sftpipe/masking"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	tempDir, err := os.MkdirTemp("", "sftpipe-config-test-*")
	require.NoError(suite.T(), err)
	suite.tempDir = tempDir

	err = os.Chdir(tempDir)
	require.NoError(suite.T(), err)
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
	if suite.tempDir != "" {
		os.RemoveAll(suite.tempDir)
	}
}

func (suite *ConfigTestSuite) writeConfig(name, content string) string {
	path := filepath.Join(suite.tempDir, name)
	require.NoError(suite.T(), os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultTemplate, cfg.Template)
	assert.Equal(suite.T(), internal.DefaultContextSize, cfg.Masking.Budget)
	assert.Equal(suite.T(), internal.DefaultDropPolicy, cfg.Masking.DropPolicy)
	assert.Equal(suite.T(), internal.DefaultOutputPath, cfg.Output.Path)
	assert.Equal(suite.T(), internal.DefaultDatabaseDSN, cfg.Output.Database.DSN)
	assert.Equal(suite.T(), 1, cfg.Tokenizer.Retries)
	assert.Equal(suite.T(), uint64(42), cfg.Output.Seed)
	assert.Empty(suite.T(), cfg.Datasets)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	path := suite.writeConfig("config.yaml", `
datasets: [alpaca, dolly-15k]
template: vicuna
tokenizer:
  kind: vocab
  path: ./vocab.txt
masking:
  budget: 512
  dropPolicy: drop_none
  trainOnSource: true
pipeline:
  workers: 3
  maxSamples: 100
output:
  path: out/train.jsonl
  evalPath: out/eval.jsonl
  evalFraction: 0.1
  database:
    enabled: true
    dsn: "file:test.db"
`)

	cfg, err := LoadConfig(path, nil)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), []string{"alpaca", "dolly-15k"}, cfg.Datasets)
	assert.Equal(suite.T(), "vicuna", cfg.Template)
	assert.Equal(suite.T(), "vocab", cfg.Tokenizer.Kind)
	assert.Equal(suite.T(), 512, cfg.Masking.Budget)
	assert.Equal(suite.T(), 3, cfg.Pipeline.Workers)
	assert.True(suite.T(), cfg.Output.Database.Enabled)
	assert.Equal(suite.T(), "file:test.db", cfg.Output.Database.DSN)

	opts := cfg.PipelineOptions()
	assert.Equal(suite.T(), masking.DropNone, opts.Policy)
	assert.True(suite.T(), opts.TrainOnSource)
	assert.Equal(suite.T(), 100, opts.MaxSamples)
	assert.Equal(suite.T(), ".", opts.Source.DataDir)
	assert.Equal(suite.T(), "./vocab.txt", cfg.TokenizerOptions().Path)
}

func (suite *ConfigTestSuite) TestLoadConfigDiscoversFile() {
	suite.writeConfig("config.yaml", "template: alpaca\n")
	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "alpaca", cfg.Template)
}

func (suite *ConfigTestSuite) TestEnvironmentOverrides() {
	suite.T().Setenv("SFTPIPE_MASKING_BUDGET", "128")
	suite.T().Setenv("SFTPIPE_DATASETS", "alpaca,oasst1")

	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 128, cfg.Masking.Budget)
	assert.Equal(suite.T(), []string{"alpaca", "oasst1"}, cfg.Datasets)
}

func (suite *ConfigTestSuite) TestFlagsOverrideFile() {
	path := suite.writeConfig("config.yaml", "template: vicuna\nmasking:\n  budget: 512\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(suite.T(), fs.Parse([]string{"--budget", "64", "--datasets", "chip2,hh-rlhf", "--train-on-source"}))

	cfg, err := LoadConfig(path, fs)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 64, cfg.Masking.Budget)
	assert.Equal(suite.T(), "vicuna", cfg.Template, "unset flags keep file values")
	assert.Equal(suite.T(), []string{"chip2", "hh-rlhf"}, cfg.Datasets)
	assert.True(suite.T(), cfg.Masking.TrainOnSource)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml", nil)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	path := suite.writeConfig("malformed.yaml", "masking:\n  budget: [unclosed bracket\n")
	cfg, err := LoadConfig(path, nil)
	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestAppConfigGlobal() {
	suite.writeConfig("config.yaml", "template: chatml\n")
	cfg, err := LoadConfig("", nil)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), cfg.Template, AppConfig.Template)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Masking:  MaskingConfig{Budget: 10, DropPolicy: "drop_oldest"},
			Pipeline: PipelineConfig{SkipWarnRatio: 0.5},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"negative budget", func(c *Config) { c.Masking.Budget = -1 }, "masking.budget"},
		{"unknown policy", func(c *Config) { c.Masking.DropPolicy = "cut" }, "drop_policy"},
		{"negative workers", func(c *Config) { c.Pipeline.Workers = -2 }, "pipeline.workers"},
		{"ratio above one", func(c *Config) { c.Pipeline.SkipWarnRatio = 2 }, "pipeline.skipWarnRatio"},
		{"eval fraction of one", func(c *Config) { c.Output.EvalFraction = 1 }, "output.evalFraction"},
		{"eval without path", func(c *Config) { c.Output.EvalFraction = 0.2 }, "output.evalPath"},
		{"negative retries", func(c *Config) { c.Tokenizer.Retries = -1 }, "tokenizer.retries"},
	}

	base := valid()
	require.NoError(t, base.Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			var ce *common.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.key, ce.Key)
		})
	}
}
