// Package config provides configuration types and loading for forage-broker.
//
// # Configuration File
//
// The broker reads a single TOML file, /etc/forage-broker/config.toml by
// default. Every field has a default, so an empty file is valid:
//
//	[server]
//	listen = ":8080"
//
//	[workspace]
//	default_kind = "kubernetes"
//	image = "mcr.microsoft.com/devcontainers/base:bookworm"
//	ports = [3000, 8000]
//
//	[kubernetes]
//	host_data_root = "/var/lib/forage-broker/data"
//
//	[docker]
//	port_range = { from = 20000, to = 20999 }
//
//	[ssh]
//	enabled = true
//	host = "jump.internal"
//	user = "forage"
//
//	[provision]
//	ready_timeout = "90s"
//	attempts = 4
//
// # Environment
//
// FORAGE_BROKER_LISTEN, FORAGE_BROKER_DB, FORAGE_BROKER_TOKEN and
// FORAGE_BROKER_KUBECONFIG override the matching fields after the file is
// read.
//
// # Validation
//
// Load validates after parsing. Namespaces are checked with
// ValidateNamespace before they are used to build any host path.
package config
