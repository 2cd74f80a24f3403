package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// ConsoleOptions defines the configuration entries available in
// console mode. Each entry is registered as a viper default and a CLI
// flag.
var ConsoleOptions = []Option{
	{Key: keyConsoleAddress, Flag: toFlag(keyConsoleAddress), Default: ":8320", Description: "Console listen address"},
	{Key: keyConsoleAllowedOrigins, Flag: toFlag(keyConsoleAllowedOrigins), Default: []string{}, Description: "Console allowed CORS origins"},
	{Key: keyConsoleExternalURL, Flag: toFlag(keyConsoleExternalURL), Default: "http://127.0.0.1:8320", Description: "Console url advertised to provisioned workers"},
	{Key: keyConsoleWorkerImage, Flag: toFlag(keyConsoleWorkerImage), Default: "boxfleet/worker:latest", Description: "Worker image used in rendered manifests"},
	{Key: keyConsoleDBPath, Flag: toFlag(keyConsoleDBPath), Default: "boxfleet.db", Description: "SQLite database path"},
	{Key: keyConsoleDBBusyTimeout, Flag: toFlag(keyConsoleDBBusyTimeout), Default: 5 * time.Second, Description: "SQLite busy timeout"},
	{Key: keyConsoleHashKey, Flag: toFlag(keyConsoleHashKey), Default: "change-me", Description: "HMAC key for worker secrets and owner tokens"},
	{Key: keyConsoleAuthMode, Flag: toFlag(keyConsoleAuthMode), Default: "token", Description: "Owner API auth mode (token or oidc)"},
	{Key: keyConsoleOIDCIssuerURL, Flag: toFlag(keyConsoleOIDCIssuerURL), Default: "", Description: "OIDC issuer url"},
	{Key: keyConsoleOIDCClientID, Flag: toFlag(keyConsoleOIDCClientID), Default: "boxfleet", Description: "OIDC client id"},
	{Key: keyConsoleOwnerTokenTTL, Flag: toFlag(keyConsoleOwnerTokenTTL), Default: 720 * time.Hour, Description: "Validity period of issued owner tokens"},
	{Key: keyConsoleHeartbeatInterval, Flag: toFlag(keyConsoleHeartbeatInterval), Default: 10 * time.Second, Description: "Heartbeat interval pushed to workers"},
	{Key: keyConsoleOfflineTTL, Flag: toFlag(keyConsoleOfflineTTL), Default: 30 * time.Second, Description: "Silence after which a worker counts as offline"},
	{Key: keyConsoleTerminalRouteTTL, Flag: toFlag(keyConsoleTerminalRouteTTL), Default: 30 * time.Minute, Description: "Idle lifetime of terminal session routes"},
	{Key: keyConsoleTaskRetention, Flag: toFlag(keyConsoleTaskRetention), Default: 10 * time.Minute, Description: "Retention of finished task rows"},
	{Key: keyConsoleMinWorkerVersion, Flag: toFlag(keyConsoleMinWorkerVersion), Default: "", Description: "Minimum worker version accepted at hello (empty disables the gate)"},
	{Key: keyConsoleReapInterval, Flag: toFlag(keyConsoleReapInterval), Default: time.Minute, Description: "Interval between background prune sweeps"},
}

// BootstrapOptions defines the configuration entries available in
// bootstrap mode.
var BootstrapOptions = []Option{
	{Key: keyBootstrapOwner, Flag: toFlag(keyBootstrapOwner), Default: "system", Description: "Owner id to provision workers for"},
	{Key: keyBootstrapWorkers, Flag: toFlag(keyBootstrapWorkers), Default: 1, Description: "Number of workers to provision"},
	{Key: keyBootstrapWorkerType, Flag: toFlag(keyBootstrapWorkerType), Default: "normal", Description: "Worker type to provision (normal or sys)"},
	{Key: keyBootstrapOutput, Flag: toFlag(keyBootstrapOutput), Default: "boxfleet-credentials.yaml", Description: "Credentials file to write"},
}

// toFlag converts a viper key like "console.db.busy_timeout" into a
// CLI flag like "db-busy-timeout" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the "console-" or
// "bootstrap-" prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "console-")
	flag = strings.TrimPrefix(flag, "bootstrap-")
	return flag
}
