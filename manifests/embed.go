// Package manifests embeds the static templates rendered for
// provisioned workers. Keeping them in a top-level directory (rather
// than internal/) makes them easy to inspect and update without diving
// into Go packages.
package manifests

import _ "embed"

// WorkerCompose is the Go template for the compose manifest handed out
// when a worker is provisioned. The renderer in
// internal/providers/manifest substitutes the per-worker values.
//
//go:embed worker-compose.yaml.tmpl
var WorkerCompose string
