package utils

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

type ServiceConfig struct {
	LogDir          string `yaml:"log_dir"`
	Verbose         bool   `yaml:"verbose"`
	MemcacheAddress string `yaml:"memcache_address"`
	CatalogDSN      string `yaml:"catalog_dsn"`
	Port            int    `yaml:"port"`
	MaxConnections  int    `yaml:"max_connections"`
}

// CatalogConfig selects the raw scenes fed into the pipeline. Boundary is
// the path of a GeoJSON file in geographic coordinates.
type CatalogConfig struct {
	Source             string  `yaml:"source"`
	Root               string  `yaml:"root"`
	Collection         string  `yaml:"collection"`
	Boundary           string  `yaml:"boundary"`
	StartISODate       string  `yaml:"start_isodate"`
	EndISODate         string  `yaml:"end_isodate"`
	MaxCloudPercentage float64 `yaml:"max_cloud_percentage"`
	OrbitNumber        int     `yaml:"orbit_number"`
}

// MaskConfig overrides the contamination tests. Zero values keep the
// built-in Sentinel-2 L2A defaults; CloudProbThreshold is a pointer so an
// explicit 0 is kept.
type MaskConfig struct {
	QABand             string   `yaml:"qa_band"`
	QABits             []uint   `yaml:"qa_bits"`
	CloudProbBand      string   `yaml:"cloud_prob_band"`
	CloudProbThreshold *float64 `yaml:"cloud_prob_threshold"`
	SCLBand            string   `yaml:"scl_band"`
	SCLExclude         []int    `yaml:"scl_exclude"`
	ReflectancePattern string   `yaml:"reflectance_pattern"`
	ScaleFactor        float64  `yaml:"scale_factor"`
}

// CompositeConfig controls the temporal compositing. Scenes are warped
// onto a grid in the zonal CRS with Resolution pixels, defaulting to the
// zonal scale, unless NativeGrid keeps each scene on its own tile grid.
type CompositeConfig struct {
	IncludeLastDate bool    `yaml:"include_last_date"`
	MetadataPolicy  string  `yaml:"metadata_policy"`
	Concurrency     int     `yaml:"concurrency"`
	Resolution      float64 `yaml:"resolution"`
	NativeGrid      bool    `yaml:"native_grid"`
}

type IndexExpression struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

// ZonalConfig defines where and how the Tasseled Cap statistics are
// computed. Region is a GeoJSON file in CRS; when empty the catalog
// boundary is reprojected to CRS.
type ZonalConfig struct {
	Region    string  `yaml:"region"`
	CRS       string  `yaml:"crs"`
	Scale     float64 `yaml:"scale"`
	MaxPixels int64   `yaml:"max_pixels"`
	Retries   int     `yaml:"retries"`
}

type IndicesConfig struct {
	Expressions      []IndexExpression `yaml:"expressions"`
	Zonal            ZonalConfig       `yaml:"zonal"`
	Concurrency      int               `yaml:"concurrency"`
	ZonalConcurrency int               `yaml:"zonal_concurrency"`
}

type ExportConfig struct {
	Folder    string   `yaml:"folder"`
	Scale     float64  `yaml:"scale"`
	CRS       string   `yaml:"crs"`
	MaxPixels int64    `yaml:"max_pixels"`
	Suffix    string   `yaml:"suffix"`
	Products  []string `yaml:"products"`
}

type SeriesConfig struct {
	Template string `yaml:"template"`
	Band     string `yaml:"band"`
}

// Config is the struct representing the configuration of a processing
// run: where scenes come from, how they are masked, composited and
// indexed, and where the results go.
type Config struct {
	ServiceConfig ServiceConfig   `yaml:"service_config"`
	Catalog       CatalogConfig   `yaml:"catalog"`
	Mask          MaskConfig      `yaml:"mask"`
	Composite     CompositeConfig `yaml:"composite"`
	Indices       IndicesConfig   `yaml:"indices"`
	Export        ExportConfig    `yaml:"export"`
	Series        SeriesConfig    `yaml:"series"`
}

// string used to format catalog dates
const ISODateFormat = "2006-01-02"

const (
	DefaultPort               = 8080
	DefaultMaxConnections     = 256
	DefaultMaxCloudPercentage = 15
	DefaultOrbitNumber        = 108
	DefaultMaxPixels          = int64(1e9)
	DefaultRetries            = 3
	DefaultSeriesBand         = "NBR"
	DefaultExportSuffix       = "_s2"
)

const (
	CatalogPostgres = "postgres"
	CatalogDir      = "dir"
)

const (
	ProductComposites = "composites"
	ProductIndices    = "indices"
)

func DefaultConcurrency() int {
	return runtime.NumCPU()
}

// LoadConfigFile unmarshals the YAML document into config, applies the
// environment overrides and defaults and validates the result.
func (config *Config) LoadConfigFile(configFile string) error {
	*config = Config{}
	cfg, err := ioutil.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("error while reading config file: %s: %w", configFile, err)
	}

	err = yaml.UnmarshalStrict(cfg, config)
	if err != nil {
		return fmt.Errorf("error at YAML parsing config document: %s: %w", configFile, err)
	}

	config.ServiceConfig.CatalogDSN = EnvOrDefault("GSKY_CATALOG_DSN", config.ServiceConfig.CatalogDSN)
	config.ServiceConfig.MemcacheAddress = EnvOrDefault("GSKY_MEMCACHE", config.ServiceConfig.MemcacheAddress)

	config.ApplyDefaults()
	return config.Validate()
}

func (config *Config) ApplyDefaults() {
	sc := &config.ServiceConfig
	if sc.Port <= 0 {
		sc.Port = DefaultPort
	}
	if sc.MaxConnections <= 0 {
		sc.MaxConnections = DefaultMaxConnections
	}

	if len(config.Catalog.Source) == 0 {
		config.Catalog.Source = CatalogDir
	}
	if config.Catalog.MaxCloudPercentage <= 0 {
		config.Catalog.MaxCloudPercentage = DefaultMaxCloudPercentage
	}
	if config.Catalog.OrbitNumber == 0 {
		config.Catalog.OrbitNumber = DefaultOrbitNumber
	}

	if config.Composite.Resolution <= 0 {
		config.Composite.Resolution = config.Indices.Zonal.Scale
	}
	if config.Composite.Concurrency <= 0 {
		config.Composite.Concurrency = DefaultConcurrency()
	}
	if config.Indices.Concurrency <= 0 {
		config.Indices.Concurrency = DefaultConcurrency()
	}
	if config.Indices.ZonalConcurrency <= 0 {
		config.Indices.ZonalConcurrency = config.Indices.Concurrency
	}
	if config.Indices.Zonal.MaxPixels <= 0 {
		config.Indices.Zonal.MaxPixels = DefaultMaxPixels
	}
	// a negative retry count disables retries
	if config.Indices.Zonal.Retries < 0 {
		config.Indices.Zonal.Retries = 0
	} else if config.Indices.Zonal.Retries == 0 {
		config.Indices.Zonal.Retries = DefaultRetries
	}

	if config.Export.MaxPixels <= 0 {
		config.Export.MaxPixels = DefaultMaxPixels
	}
	if len(config.Export.Suffix) == 0 {
		config.Export.Suffix = DefaultExportSuffix
	}
	if len(config.Export.Products) == 0 {
		config.Export.Products = []string{ProductIndices}
	}

	if len(config.Series.Band) == 0 {
		config.Series.Band = DefaultSeriesBand
	}
}

// Validate checks the settings that have no sensible default. The zonal
// CRS and scale are never defaulted since the statistics depend on them.
func (config *Config) Validate() error {
	switch config.Catalog.Source {
	case CatalogPostgres:
		if len(config.ServiceConfig.CatalogDSN) == 0 {
			return fmt.Errorf("catalog source %s requires service_config.catalog_dsn or GSKY_CATALOG_DSN", CatalogPostgres)
		}
	case CatalogDir:
		if len(config.Catalog.Root) == 0 {
			return fmt.Errorf("catalog source %s requires catalog.root", CatalogDir)
		}
	default:
		return fmt.Errorf("unknown catalog source: %s", config.Catalog.Source)
	}

	start, end, err := config.Catalog.TimeRange()
	if err != nil {
		return err
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return fmt.Errorf("catalog start_isodate %s must be before end_isodate %s", config.Catalog.StartISODate, config.Catalog.EndISODate)
	}

	switch config.Composite.MetadataPolicy {
	case "", "last_scene", "observation_window":
	default:
		return fmt.Errorf("unknown composite metadata_policy: %s", config.Composite.MetadataPolicy)
	}

	zonal := config.Indices.Zonal
	if len(zonal.CRS) == 0 {
		return fmt.Errorf("indices.zonal.crs must be set")
	}
	if zonal.Scale <= 0 {
		return fmt.Errorf("indices.zonal.scale must be positive")
	}
	if len(zonal.Region) == 0 && len(config.Catalog.Boundary) == 0 {
		return fmt.Errorf("indices.zonal.region or catalog.boundary must be set")
	}
	if config.Composite.Resolution < 0 {
		return fmt.Errorf("composite.resolution must not be negative")
	}
	if t := config.Mask.CloudProbThreshold; t != nil && *t < 0 {
		return fmt.Errorf("mask.cloud_prob_threshold must not be negative")
	}

	names := make(map[string]struct{})
	for _, e := range config.Indices.Expressions {
		if len(e.Name) == 0 || len(e.Expr) == 0 {
			return fmt.Errorf("index expressions need both name and expr: %+v", e)
		}
		if _, found := names[e.Name]; found {
			return fmt.Errorf("duplicate index expression: %s", e.Name)
		}
		names[e.Name] = struct{}{}
	}

	for _, p := range config.Export.Products {
		if p != ProductComposites && p != ProductIndices {
			return fmt.Errorf("unknown export product: %s", p)
		}
	}
	if config.Export.Scale < 0 {
		return fmt.Errorf("export.scale must not be negative")
	}
	return nil
}

// TimeRange parses the catalog date range. Missing dates are returned as
// zero times.
func (c CatalogConfig) TimeRange() (start, end time.Time, err error) {
	if len(c.StartISODate) > 0 {
		start, err = time.Parse(ISODateFormat, c.StartISODate)
		if err != nil {
			return start, end, fmt.Errorf("invalid catalog start_isodate: %w", err)
		}
	}
	if len(c.EndISODate) > 0 {
		end, err = time.Parse(ISODateFormat, c.EndISODate)
		if err != nil {
			return start, end, fmt.Errorf("invalid catalog end_isodate: %w", err)
		}
	}
	return start, end, nil
}

// ConfigHolder gives concurrent readers access to a config that may be
// replaced on SIGHUP.
type ConfigHolder struct {
	mu     sync.RWMutex
	config *Config
}

func NewConfigHolder(config *Config) *ConfigHolder {
	return &ConfigHolder{config: config}
}

func (h *ConfigHolder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

func (h *ConfigHolder) Set(config *Config) {
	h.mu.Lock()
	h.config = config
	h.mu.Unlock()
}

// WatchConfig reloads configFile into holder whenever the process receives
// SIGHUP. A config that fails to load leaves the previous one in place.
func WatchConfig(configFile string, holder *ConfigHolder) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Infof("Caught SIGHUP, reloading config %s", configFile)
			config := &Config{}
			if err := config.LoadConfigFile(configFile); err != nil {
				log.Errorf("Error in loading config file: %v", err)
				continue
			}
			holder.Set(config)
		}
	}()
}
