package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigFailsValidateWithoutSeeds(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	assert.Error(t, err, "Default() carries no seeds; a caller must supply them")
}

func TestDefaultConfigValidatesOnceSeeded(t *testing.T) {
	cfg := Default()
	cfg.Crawl.Seeds = []SeedConfig{{URL: "https://example.com/"}}
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromReaderDecodesAndValidates(t *testing.T) {
	yamlDoc := `
crawl:
  seeds:
    - url: https://example.com/
  user_agent: test-agent
  max_body_bytes: 1024
scheduler:
  connection_limit: 2
  delay: 250ms
session:
  crawl_delay: 500ms
`
	cfg, err := LoadFromReader(strings.NewReader(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "test-agent", cfg.Crawl.UserAgent)
	assert.Equal(t, int64(1024), cfg.Crawl.MaxBodyBytes)
	assert.Equal(t, 2, cfg.Scheduler.ConnectionLimit)
	assert.Equal(t, 250e6, float64(cfg.Scheduler.Delay.Duration))
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	yamlDoc := `
crawl:
  seeds:
    - url: https://example.com/
  bogus_field: true
`
	_, err := LoadFromReader(strings.NewReader(yamlDoc))
	assert.Error(t, err)
}

func TestLoadFromReaderUnvalidatedAllowsMissingSeeds(t *testing.T) {
	yamlDoc := `
crawl:
  user_agent: test-agent
`
	cfg, err := LoadFromReaderUnvalidated(strings.NewReader(yamlDoc))
	require.NoError(t, err)
	assert.Empty(t, cfg.Crawl.Seeds)
	assert.Error(t, cfg.Validate(), "seeds are still required by Validate once called explicitly")
}

func TestNormaliseDedupesAndSortsRobotsOverrides(t *testing.T) {
	cfg := Default()
	cfg.Crawl.Seeds = []SeedConfig{{URL: "https://example.com/"}}
	cfg.Robots.Overrides = []string{"B.example.com", "a.example.com", "a.example.com", "  "}
	cfg.normalise()
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Robots.Overrides)
}

func TestValidateRejectsNegativeMaxRequestsPerSecond(t *testing.T) {
	cfg := Default()
	cfg.Crawl.Seeds = []SeedConfig{{URL: "https://example.com/"}}
	cfg.Crawl.MaxRequestsPerSecond = -1
	assert.Error(t, cfg.Validate())
}
