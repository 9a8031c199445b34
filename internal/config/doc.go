// Package config handles configuration loading for tutorline.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then defaulted and validated.
//
// # Configuration File
//
// Location, in order:
//
//  1. Path from the TUTORLINE_CONFIG environment variable
//  2. tutorline/config.yaml under the user config directory
//
// `tutorline init` writes a config there interactively; `tutorline init
// --sample` writes the annotated Sample instead.
//
// # Environment Variable Expansion
//
// Values can reference environment variables, which cmd/tutorline also
// loads from a .env file:
//
//	assistant:
//	  api_key: "${OPENAI_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// The orchestrator timings use time.ParseDuration syntax:
//
//	orchestrator:
//	  run_timeout: "60s"
//	  poll_interval: "1s"
//	  stale_reservation: "2m"   # defaults to twice run_timeout
//	  janitor_interval: "30s"
//
// # Storage
//
//	database:
//	  driver: sqlite            # or mongo
//	  path: "./tutorline.db"
//	sessions:
//	  backend: redis            # optional, shares sessions across instances
//	  redis_addr: "localhost:6379"
//
// # Validation
//
// Validate checks the driver-specific fields, the assistant credentials,
// the LINE channel credentials and that poll_interval < run_timeout <=
// stale_reservation.
package config
