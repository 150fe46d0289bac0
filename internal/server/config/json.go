package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dandiarchive/blobstore/internal/flagx"
	"github.com/dandiarchive/blobstore/internal/timex"
)

// JsonConfig is the on-disk form of Config. Durations accept either Go
// duration strings ("5s", "168h") or integer nanoseconds. Fields left out of
// the file keep their current value.
type JsonConfig struct {
	HTTPAddr       string `json:"http_addr"`
	GRPCHealthAddr string `json:"grpc_health_addr"`
	DatabaseDSN    string `json:"database_dsn"`

	S3Backend      string `json:"s3_backend"`
	S3Endpoint     string `json:"s3_endpoint"`
	S3Region       string `json:"s3_region"`
	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`

	PublicBucket  string  `json:"public_bucket"`
	PublicPrefix  *string `json:"public_prefix"`
	EmbargoBucket string  `json:"embargo_bucket"`
	EmbargoPrefix *string `json:"embargo_prefix"`

	CopyWorkers          int   `json:"copy_workers"`
	MigrationConcurrency int   `json:"migration_concurrency"`
	SinglePartThreshold  int64 `json:"single_part_threshold"`
	HashWorkers          int   `json:"hash_workers"`

	UploadURLExpiration timex.Duration `json:"upload_url_expiration"`
	MetadataTimeout     timex.Duration `json:"metadata_timeout"`
	PartTimeoutPerGiB   timex.Duration `json:"part_timeout_per_gib"`

	LogLevel        string `json:"log_level"`
	TracingEndpoint string `json:"tracing_endpoint"`
}

// parseJson overlays the file named by -c/-config, if any. A file that cannot
// be read or parsed is fatal.
func parseJson(config *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}
	if err := loadJSONFile(config, path); err != nil {
		panic(err)
	}
}

func loadJSONFile(config *Config, path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	c.apply(config)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.GRPCHealthAddr, c.GRPCHealthAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)

	setString(&config.S3Backend, c.S3Backend)
	setString(&config.S3Endpoint, c.S3Endpoint)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)

	setString(&config.PublicBucket, c.PublicBucket)
	setString(&config.EmbargoBucket, c.EmbargoBucket)
	// prefixes may legitimately be set to ""
	if c.PublicPrefix != nil {
		config.PublicPrefix = *c.PublicPrefix
	}
	if c.EmbargoPrefix != nil {
		config.EmbargoPrefix = *c.EmbargoPrefix
	}

	if c.CopyWorkers != 0 {
		config.CopyWorkers = c.CopyWorkers
	}
	if c.MigrationConcurrency != 0 {
		config.MigrationConcurrency = c.MigrationConcurrency
	}
	if c.SinglePartThreshold != 0 {
		config.SinglePartThreshold = c.SinglePartThreshold
	}
	if c.HashWorkers != 0 {
		config.HashWorkers = c.HashWorkers
	}

	if c.UploadURLExpiration.Duration != 0 {
		config.UploadURLExpiration = c.UploadURLExpiration.Duration
	}
	if c.MetadataTimeout.Duration != 0 {
		config.MetadataTimeout = c.MetadataTimeout.Duration
	}
	if c.PartTimeoutPerGiB.Duration != 0 {
		config.PartTimeoutPerGiB = c.PartTimeoutPerGiB.Duration
	}

	setString(&config.LogLevel, c.LogLevel)
	setString(&config.TracingEndpoint, c.TracingEndpoint)
}
