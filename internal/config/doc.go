// Package config handles configuration loading for passcode-master.
//
// # Overview
//
// Configuration is loaded from TOML files with environment variable
// expansion. The package provides validation and a writable default
// skeleton.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	[web]
//	access_key = "${PASSCODE_ACCESS_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Administrators by numeric account ID:
//
//	admin = [114514]
//
// Database:
//
//	[database]
//	path = "/var/lib/passcode/passcode.db"
//
// Websocket feed:
//
//	[web]
//	enabled = true
//	bind = "127.0.0.1:8080"
//	access_key = "${PASSCODE_ACCESS_KEY}"  # bcrypt hash, see the hashkey subcommand
//
// Coordinator tuning (all optional):
//
//	[coordinator]
//	queue_size = 2048
//	cookie_ceiling = 2
//	bus_buffer = 32
//
// Logging:
//
//	[logging]
//	level = "info"   # debug, info, warn, error
//	format = "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/passcode/config.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
