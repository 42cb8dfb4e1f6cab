// Package config loads the bioetl YAML configuration file and applies
// defaults for every field a deployment leaves unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bioetl configuration.
type Config struct {
	Paths      PathsConfig      `yaml:"paths"`
	AWS        AWSConfig        `yaml:"aws"`
	Processing ProcessingConfig `yaml:"processing"`
	Sources    SourcesConfig    `yaml:"sources"`
	Filtering  FilteringConfig  `yaml:"filtering"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
}

// PathsConfig configures the workspace directories.
type PathsConfig struct {
	BaseData string `yaml:"base_data"`
	Temp     string `yaml:"temp"`
	Logs     string `yaml:"logs"`
}

// AWSConfig configures the object store and relational catalog.
type AWSConfig struct {
	Region string   `yaml:"region"`
	S3     S3Config `yaml:"s3"`
	RDS    RDSConfig `yaml:"rds"`
}

// S3Config names the bucket and key prefixes for published artifacts.
type S3Config struct {
	BucketName     string `yaml:"bucket_name"`
	FinalPrefix    string `yaml:"final_prefix"`
	ProteinsPrefix string `yaml:"proteins_prefix"`
}

// RDSConfig names the relational catalog connection.
type RDSConfig struct {
	ConnectionString string `yaml:"connection_string"`
}

// ProcessingConfig controls worker pool sizing, timeouts, and disk guards.
type ProcessingConfig struct {
	Workers          int           `yaml:"workers"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	MinFreeGB        float64       `yaml:"min_free_gb"`
	DBMaxConnections int           `yaml:"db_max_connections"`
}

// SourcesConfig lists the per-source adapter configuration in ingestion order.
type SourcesConfig struct {
	Order  []string     `yaml:"order"`
	NCBI   NCBIConfig   `yaml:"ncbi"`
	ENA    ENAConfig    `yaml:"ena"`
	MGnify MGnifyConfig `yaml:"mgnify"`
}

// SourceCommon holds the fields shared by every source adapter.
type SourceCommon struct {
	Enabled   bool `yaml:"enabled"`
	BatchSize int  `yaml:"batch_size"`
	Limit     int  `yaml:"limit"`
}

// NCBIConfig configures the NCBI RefSeq adapter.
type NCBIConfig struct {
	SourceCommon        `yaml:",inline"`
	Kingdoms            []string `yaml:"kingdoms"`
	ForceUpdateSummaries bool    `yaml:"force_update_summaries"`
	RequireFullGenome   bool     `yaml:"require_full_genome"`
}

// ENAConfig configures the ENA adapter.
type ENAConfig struct {
	SourceCommon `yaml:",inline"`
	Kingdoms     []string `yaml:"kingdoms"`
}

// MGnifyConfig configures the MGnify adapter.
type MGnifyConfig struct {
	SourceCommon    `yaml:",inline"`
	Environments    []string `yaml:"environments"`
	AnalysesPerStudy int     `yaml:"analyses_per_study"`
	DelaySeconds    float64  `yaml:"delay_seconds"`
	MaxFileMB       int      `yaml:"max_file_mb"`
}

// FilteringConfig configures contig filtering independent of the gene
// predictor's own internal pre-filter thresholds.
type FilteringConfig struct {
	Metagenomes MetagenomeFilterConfig `yaml:"metagenomes"`
}

// MetagenomeFilterConfig carries the orchestrator-level contig length floor.
type MetagenomeFilterConfig struct {
	MinContigLength int `yaml:"min_contig_length"`
}

// DashboardConfig configures the read-only status dashboard (external
// collaborator). The port is parsed and defaulted here; the bioetl binary
// itself does not use it.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads and parses the YAML file at path, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Paths.BaseData == "" {
		c.Paths.BaseData = "data"
	}
	if c.Paths.Temp == "" {
		c.Paths.Temp = "tmp"
	}
	if c.Paths.Logs == "" {
		c.Paths.Logs = "logs"
	}
	if c.AWS.S3.FinalPrefix == "" {
		c.AWS.S3.FinalPrefix = "genomes"
	}
	if c.AWS.S3.ProteinsPrefix == "" {
		c.AWS.S3.ProteinsPrefix = "proteins"
	}
	if c.Processing.Workers <= 0 {
		c.Processing.Workers = 4
	}
	if c.Processing.DownloadTimeout <= 0 {
		c.Processing.DownloadTimeout = 30 * time.Second
	}
	if c.Processing.MaxRetries <= 0 {
		c.Processing.MaxRetries = 3
	}
	if c.Processing.MinFreeGB <= 0 {
		c.Processing.MinFreeGB = 10
	}
	// §9: the pool must be able to serve every worker plus the background
	// stats reader and the migration connection without deadlocking.
	floor := c.Processing.Workers + 2
	if c.Processing.DBMaxConnections < floor {
		c.Processing.DBMaxConnections = floor
	}
	if len(c.Sources.Order) == 0 {
		c.Sources.Order = []string{"ncbi", "ena", "mgnify"}
	}
	applySourceDefaults(&c.Sources.NCBI.SourceCommon)
	applySourceDefaults(&c.Sources.ENA.SourceCommon)
	applySourceDefaults(&c.Sources.MGnify.SourceCommon)
	if len(c.Sources.NCBI.Kingdoms) == 0 {
		c.Sources.NCBI.Kingdoms = []string{"bacteria", "archaea", "virus"}
	}
	if len(c.Sources.MGnify.Environments) == 0 {
		c.Sources.MGnify.Environments = []string{"soil", "marine", "freshwater", "plant", "gut", "sediment"}
	}
	if c.Sources.MGnify.AnalysesPerStudy <= 0 {
		c.Sources.MGnify.AnalysesPerStudy = 10
	}
	if c.Sources.MGnify.DelaySeconds <= 0 {
		c.Sources.MGnify.DelaySeconds = 1
	}
	if c.Sources.MGnify.MaxFileMB <= 0 {
		c.Sources.MGnify.MaxFileMB = 500
	}
	if c.Filtering.Metagenomes.MinContigLength <= 0 {
		c.Filtering.Metagenomes.MinContigLength = 500
	}
	if c.Dashboard.Port <= 0 {
		c.Dashboard.Port = 8080
	}
}

func applySourceDefaults(s *SourceCommon) {
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	if s.Limit <= 0 {
		s.Limit = 1000
	}
}

func (c *Config) validate() error {
	if c.AWS.S3.BucketName == "" {
		return fmt.Errorf("aws.s3.bucket_name is required")
	}
	if c.AWS.RDS.ConnectionString == "" {
		return fmt.Errorf("aws.rds.connection_string is required")
	}
	for _, name := range c.Sources.Order {
		switch name {
		case "ncbi", "ena", "mgnify":
		default:
			return fmt.Errorf("sources.order: unknown source %q", name)
		}
	}
	return nil
}
