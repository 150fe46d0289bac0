package config

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		name        string
		args        []string
		mutate      func(c *Config)
		expectPanic bool
	}{
		{
			name: "all flags",
			args: []string{"cmd",
				"-a", ":8081", "-g", ":50052", "-d", "db", "-k", "memory",
				"-e", "http://s3", "-r", "eu-west-1", "-u", "user", "-p", "password",
				"-b", "pub", "-B", "emb", "-w", "10", "-m", "5", "-H", "6", "-l", "debug", "-t", "otel:4318",
			},
			mutate: func(c *Config) {
				c.HTTPAddr = ":8081"
				c.GRPCHealthAddr = ":50052"
				c.DatabaseDSN = "db"
				c.S3Backend = BackendMemory
				c.S3Endpoint = "http://s3"
				c.S3Region = "eu-west-1"
				c.S3RootUser = "user"
				c.S3RootPassword = "password"
				c.PublicBucket = "pub"
				c.EmbargoBucket = "emb"
				c.CopyWorkers = 10
				c.MigrationConcurrency = 5
				c.HashWorkers = 6
				c.LogLevel = "debug"
				c.TracingEndpoint = "otel:4318"
			},
		},
		{
			name:   "config flag is ignored",
			args:   []string{"cmd", "-c", "cfg.json", "-w", "3"},
			mutate: func(c *Config) { c.CopyWorkers = 3 },
		},
		{
			name:        "bad int panics",
			args:        []string{"cmd", "-w", "many"},
			expectPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args

			var config Config
			config.LoadDefaults()

			if tt.expectPanic {
				require.Panics(t, func() { parseFlags(&config) })
				return
			}

			var want Config
			want.LoadDefaults()
			tt.mutate(&want)

			require.NotPanics(t, func() { parseFlags(&config) })
			if diff := cmp.Diff(want, config); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
