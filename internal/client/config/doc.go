// Package config loads runtime configuration for blobctl's API client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file passed to Load.
//  3. Command-line flags, applied by the command on the returned Config.
//
// # JSON schema
//
//	{
//	  "server_url": "https://api.dandiarchive.org",
//	  "concurrency": 8,
//	  "request_timeout": "30s",
//	  "log_level": "info"
//	}
package config
