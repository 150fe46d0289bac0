package config

import (
	"flag"
	"os"

	"github.com/dandiarchive/blobstore/internal/flagx"
)

// parseFlags overlays command-line flags onto config.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g. ":8080")
//	-g string   gRPC health bind address
//	-d string   PostgreSQL DSN
//	-k string   storage backend: s3, minio or memory
//	-e string   S3 endpoint
//	-r string   S3 region
//	-u string   S3 access key
//	-p string   S3 secret key
//	-b string   public bucket
//	-B string   embargo bucket
//	-w int      copy workers
//	-m int      migration concurrency
//	-l string   log level
//	-t string   OTLP/HTTP tracing endpoint
//
// Flags not listed here are ignored, so -c/-config can share the command line.
func parseFlags(config *Config) {
	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "HTTP address and port")
	fs.StringVar(&config.GRPCHealthAddr, "g", config.GRPCHealthAddr, "gRPC health address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.S3Backend, "k", config.S3Backend, "storage backend (s3, minio, memory)")
	fs.StringVar(&config.S3Endpoint, "e", config.S3Endpoint, "S3 endpoint")
	fs.StringVar(&config.S3Region, "r", config.S3Region, "S3 region")
	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 access key")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 secret key")
	fs.StringVar(&config.PublicBucket, "b", config.PublicBucket, "public bucket")
	fs.StringVar(&config.EmbargoBucket, "B", config.EmbargoBucket, "embargo bucket")
	fs.IntVar(&config.CopyWorkers, "w", config.CopyWorkers, "concurrent part copies per process")
	fs.IntVar(&config.MigrationConcurrency, "m", config.MigrationConcurrency, "blobs migrated in parallel")
	fs.IntVar(&config.HashWorkers, "H", config.HashWorkers, "objects hashed in parallel during upload validation")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")
	fs.StringVar(&config.TracingEndpoint, "t", config.TracingEndpoint, "OTLP/HTTP tracing endpoint")

	if err := flagx.ParseKnown(fs, os.Args[1:]); err != nil {
		panic(err)
	}
}
