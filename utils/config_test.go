package utils

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
service_config:
  log_dir: /tmp/gsky-s2
catalog:
  source: dir
  root: /data/s2
  boundary: /data/aoi.geojson
  start_isodate: "2021-01-01"
  end_isodate: "2021-12-31"
composite:
  metadata_policy: observation_window
indices:
  expressions:
    - name: NDMI
      expr: ((B8 - B11) / (B8 + B11)) * 10000
  zonal:
    crs: EPSG:32632
    scale: 20
export:
  folder: /tmp/out
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "s2.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	os.Unsetenv("GSKY_MEMCACHE")
	os.Setenv("GSKY_CATALOG_DSN", "host=db dbname=mas")
	defer os.Unsetenv("GSKY_CATALOG_DSN")

	config := &Config{}
	require.NoError(t, config.LoadConfigFile(writeConfig(t, testConfig)))

	assert.Equal(t, "host=db dbname=mas", config.ServiceConfig.CatalogDSN)
	assert.Equal(t, DefaultPort, config.ServiceConfig.Port)
	assert.Equal(t, float64(DefaultMaxCloudPercentage), config.Catalog.MaxCloudPercentage)
	assert.Equal(t, DefaultOrbitNumber, config.Catalog.OrbitNumber)
	assert.Equal(t, "observation_window", config.Composite.MetadataPolicy)
	assert.Equal(t, DefaultRetries, config.Indices.Zonal.Retries)
	assert.Equal(t, DefaultMaxPixels, config.Indices.Zonal.MaxPixels)
	assert.Equal(t, config.Indices.Concurrency, config.Indices.ZonalConcurrency)
	assert.Equal(t, []string{ProductIndices}, config.Export.Products)
	assert.Equal(t, DefaultSeriesBand, config.Series.Band)
	assert.Equal(t, 20.0, config.Composite.Resolution)
	assert.Nil(t, config.Mask.CloudProbThreshold)
	require.Len(t, config.Indices.Expressions, 1)
	assert.Equal(t, "NDMI", config.Indices.Expressions[0].Name)

	start, end, err := config.Catalog.TimeRange()
	require.NoError(t, err)
	assert.Equal(t, 2021, start.Year())
	assert.True(t, start.Before(end))
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing zonal crs", func(c *Config) { c.Indices.Zonal.CRS = "" }},
		{"zero zonal scale", func(c *Config) { c.Indices.Zonal.Scale = 0 }},
		{"unknown catalog", func(c *Config) { c.Catalog.Source = "s3" }},
		{"postgres without dsn", func(c *Config) { c.Catalog.Source = CatalogPostgres; c.ServiceConfig.CatalogDSN = "" }},
		{"dir without root", func(c *Config) { c.Catalog.Root = "" }},
		{"inverted dates", func(c *Config) { c.Catalog.StartISODate = "2022-01-01" }},
		{"bad date", func(c *Config) { c.Catalog.EndISODate = "31/12/2021" }},
		{"no zonal region", func(c *Config) { c.Catalog.Boundary = ""; c.Indices.Zonal.Region = "" }},
		{"negative cloud probability", func(c *Config) { v := -5.0; c.Mask.CloudProbThreshold = &v }},
		{"negative resolution", func(c *Config) { c.Composite.Resolution = -10 }},
		{"bad policy", func(c *Config) { c.Composite.MetadataPolicy = "first" }},
		{"bad product", func(c *Config) { c.Export.Products = []string{"tiles"} }},
		{"duplicate expression", func(c *Config) {
			c.Indices.Expressions = append(c.Indices.Expressions, IndexExpression{Name: "NDMI", Expr: "B8"})
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := &Config{}
			require.NoError(t, config.LoadConfigFile(writeConfig(t, testConfig)))
			tc.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestLoadConfigFileZeroCloudProbability(t *testing.T) {
	config := &Config{}
	require.NoError(t, config.LoadConfigFile(writeConfig(t, testConfig+"mask:\n  cloud_prob_threshold: 0\n")))
	require.NotNil(t, config.Mask.CloudProbThreshold)
	assert.Equal(t, 0.0, *config.Mask.CloudProbThreshold)
}

func TestLoadConfigFileUnknownField(t *testing.T) {
	config := &Config{}
	err := config.LoadConfigFile(writeConfig(t, testConfig+"\nlayers: []\n"))
	assert.Error(t, err)
}

func TestConfigHolder(t *testing.T) {
	a := &Config{}
	b := &Config{}
	h := NewConfigHolder(a)
	assert.Same(t, a, h.Get())
	h.Set(b)
	assert.Same(t, b, h.Get())
}

func TestEnvOrDefault(t *testing.T) {
	os.Setenv("GSKY_S2_TEST_INT", "12")
	defer os.Unsetenv("GSKY_S2_TEST_INT")

	assert.Equal(t, 12, EnvOrDefaultInt("GSKY_S2_TEST_INT", 3))
	assert.Equal(t, 3, EnvOrDefaultInt("GSKY_S2_TEST_MISSING", 3))
	assert.Equal(t, "x", EnvOrDefault("GSKY_S2_TEST_MISSING", "x"))

	os.Setenv("GSKY_S2_TEST_INT", "twelve")
	assert.Equal(t, 3, EnvOrDefaultInt("GSKY_S2_TEST_INT", 3))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, ioutil.WriteFile(path, []byte("GSKY_S2_DOTENV=loaded\n"), 0644))
	defer os.Unsetenv("GSKY_S2_DOTENV")

	LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path)
	assert.Equal(t, "loaded", os.Getenv("GSKY_S2_DOTENV"))
}
