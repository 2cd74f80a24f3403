// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix BOXFLEET_)
//  3. Config file (config.yaml in . or /etc/boxfleet/)
//  4. Compiled defaults
package config

// Viper keys for console-mode configuration.
const (
	keyConsoleAddress           = "console.address"
	keyConsoleAllowedOrigins    = "console.allowed_origins"
	keyConsoleExternalURL       = "console.external_url"
	keyConsoleWorkerImage       = "console.worker_image"
	keyConsoleDBPath            = "console.db.path"
	keyConsoleDBBusyTimeout     = "console.db.busy_timeout"
	keyConsoleHashKey           = "console.hash_key"
	keyConsoleAuthMode          = "console.auth.mode"
	keyConsoleOIDCIssuerURL     = "console.auth.oidc.issuer_url"
	keyConsoleOIDCClientID      = "console.auth.oidc.client_id"
	keyConsoleOwnerTokenTTL     = "console.owner_token_ttl"
	keyConsoleHeartbeatInterval = "console.heartbeat_interval"
	keyConsoleOfflineTTL        = "console.offline_ttl"
	keyConsoleTerminalRouteTTL  = "console.terminal_route_ttl"
	keyConsoleTaskRetention     = "console.task_retention"
	keyConsoleMinWorkerVersion  = "console.min_worker_version"
	keyConsoleReapInterval      = "console.reap_interval"
)

// Viper keys for bootstrap-mode configuration.
const (
	keyBootstrapOwner      = "bootstrap.owner"
	keyBootstrapWorkers    = "bootstrap.workers"
	keyBootstrapWorkerType = "bootstrap.worker_type"
	keyBootstrapOutput     = "bootstrap.output"
)
