// Package manifest provides the ManifestRenderer implementation that
// generates compose manifests for provisioned workers from Go
// templates. The template and all rendering details are encapsulated
// here, keeping the domain layer (core) free of infrastructure
// concerns.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/boxfleet/boxfleet-console/internal/core"
	"github.com/boxfleet/boxfleet-console/manifests"
)

// reNonAlphaNum matches one or more consecutive characters outside
// [a-z0-9]. Compiled once at package level to avoid recompiling on
// every sanitizeServiceName call.
var reNonAlphaNum = regexp.MustCompile(`[^a-z0-9]+`)

// Renderer implements core.ManifestRenderer by executing a Go
// text/template that produces a compose YAML document.
type Renderer struct{}

// Verify at compile time that Renderer satisfies core.ManifestRenderer.
var _ core.ManifestRenderer = (*Renderer)(nil)

// NewRenderer returns a new manifest Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// RenderWorkerManifest produces the compose manifest for one
// provisioned worker: a single service running the worker image with
// the console URL, node id, and one-time plaintext secret in its
// environment.
func (r *Renderer) RenderWorkerManifest(params core.ManifestParams) (string, error) {
	data := workerManifestData{
		ServiceName:          sanitizeServiceName("worker-" + params.NodeID),
		NodeID:               params.NodeID,
		OwnerID:              params.OwnerID,
		WorkerType:           string(params.WorkerType),
		Secret:               params.Secret,
		ConsoleURL:           params.ConsoleURL,
		Image:                params.Image,
		HeartbeatIntervalSec: params.HeartbeatIntervalSec,
	}

	var buf bytes.Buffer
	if err := workerManifestTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render worker manifest: %w", err)
	}
	return buf.String(), nil
}

// workerManifestData holds the template parameters for worker manifest
// generation.
type workerManifestData struct {
	ServiceName          string
	NodeID               string
	OwnerID              string
	WorkerType           string
	Secret               string
	ConsoleURL           string
	Image                string
	HeartbeatIntervalSec int
}

// sanitizeServiceName converts an arbitrary string (e.g. a generated
// node id) into a valid compose service name. It lower-cases the
// input, replaces non-alphanumeric characters with hyphens, collapses
// consecutive hyphens, and trims leading/trailing hyphens. The result
// is truncated to 63 characters. If the sanitized result is empty
// (e.g. the input consisted entirely of special characters), a
// deterministic hash-based fallback is used.
func sanitizeServiceName(s string) string {
	original := s
	s = strings.ToLower(s)
	s = reNonAlphaNum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = s[:63]
		s = strings.TrimRight(s, "-")
	}
	if s == "" {
		h := sha256.Sum256([]byte(original))
		s = fmt.Sprintf("w-%x", h[:8])
	}
	return s
}

// yamlQuote produces a JSON-encoded string (with surrounding quotes)
// that is safe to embed in a YAML double-quoted scalar. JSON string
// escaping is a strict subset of YAML double-quoted string escaping,
// so the result is always valid YAML regardless of the input content.
func yamlQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// workerManifestTmpl is the parsed Go template for generating worker
// compose manifests, embedded from the top-level manifests directory.
var workerManifestTmpl = template.Must(
	template.New("worker-compose").
		Funcs(template.FuncMap{"yamlQuote": yamlQuote}).
		Parse(manifests.WorkerCompose),
)
