package core

import (
	"encoding/json"
	"strings"
)

// Capability names in their normalized (lowercased) form. Comparisons
// are case-insensitive everywhere; the declared camelCase spelling is
// preserved on the wire.
const (
	CapabilityEcho             = "echo"
	CapabilityPythonExec       = "pythonexec"
	CapabilityTerminalExec     = "terminalexec"
	CapabilityTerminalResource = "terminalresource"
	CapabilityComputerUse      = "computeruse"

	// CapabilityComputerUseDeclared is the wire spelling used when the
	// server rewrites a sys worker's capability set.
	CapabilityComputerUseDeclared = "computerUse"
)

// ownerScopeSeparator joins the owner id and the raw terminal session
// id inside scoped payloads.
const ownerScopeSeparator = "::"

// NormalizeCapability lowercases and trims a capability name.
func NormalizeCapability(capability string) string {
	return strings.TrimSpace(strings.ToLower(capability))
}

// NormalizeOwnerID trims an owner id. Ids containing the scope
// separator are rejected as empty.
func NormalizeOwnerID(ownerID string) string {
	trimmed := strings.TrimSpace(ownerID)
	if strings.Contains(trimmed, ownerScopeSeparator) {
		return ""
	}
	return trimmed
}

// isOwnerScopedCapability reports whether the capability's payload
// carries tenant-visible terminal session ids.
func isOwnerScopedCapability(capability string) bool {
	switch NormalizeCapability(capability) {
	case CapabilityTerminalExec, CapabilityTerminalResource:
		return true
	default:
		return false
	}
}

func scopeTerminalSessionID(ownerID, raw string) string {
	return ownerID + ownerScopeSeparator + raw
}

// scopeTaskInput rewrites the session_id of terminal payloads into the
// owner's namespace before the task is persisted or dispatched. The
// console mints fresh ids when the payload asks to create a session,
// so two owners' raw ids can never collide on a worker.
func (r *Registry) scopeTaskInput(capability, ownerID string, input []byte) ([]byte, error) {
	if !isOwnerScopedCapability(capability) {
		return input, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return nil, &ErrInvalidInput{Field: "input", Message: "must be a JSON object for terminal capabilities"}
	}
	if decoded == nil {
		decoded = map[string]any{}
	}

	rawID := ""
	if value, ok := decoded["session_id"]; ok {
		text, isString := value.(string)
		if !isString {
			return nil, &ErrInvalidInput{Field: "session_id", Message: "must be a string"}
		}
		rawID = strings.TrimSpace(text)
	}

	switch {
	case rawID == "":
		createIfMissing, _ := decoded["create_if_missing"].(bool)
		if !createIfMissing {
			break
		}
		minted, err := r.newTerminalID()
		if err != nil {
			return nil, &DomainError{Code: ErrorCodeInternal, Message: "failed to create terminal session_id", Err: err}
		}
		decoded["session_id"] = scopeTerminalSessionID(ownerID, minted)
	case strings.HasPrefix(rawID, ownerID+ownerScopeSeparator):
		decoded["session_id"] = rawID
	case strings.Contains(rawID, ownerScopeSeparator):
		return nil, &ErrInvalidInput{Field: "session_id", Message: "does not belong to the requesting owner"}
	default:
		decoded["session_id"] = scopeTerminalSessionID(ownerID, rawID)
	}

	scoped, err := json.Marshal(decoded)
	if err != nil {
		return nil, &ErrInvalidInput{Field: "input", Message: "could not be re-encoded"}
	}
	return scoped, nil
}

// restoreTaskResult strips the owner prefix from a terminal result's
// session_id before the payload is persisted, so clients only ever see
// raw ids. It returns false when the payload cannot be safely
// restored: the task is then failed without persisting the payload.
func restoreTaskResult(ownerID, capability string, result []byte) ([]byte, bool) {
	if !isOwnerScopedCapability(capability) {
		return result, true
	}

	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, false
	}
	if decoded == nil {
		return result, true
	}

	value, ok := decoded["session_id"]
	if !ok {
		return result, true
	}
	scoped, isString := value.(string)
	if !isString {
		return nil, false
	}
	scoped = strings.TrimSpace(scoped)
	if scoped == "" {
		return result, true
	}

	prefix := ownerID + ownerScopeSeparator
	if !strings.HasPrefix(scoped, prefix) {
		return nil, false
	}
	decoded["session_id"] = strings.TrimPrefix(scoped, prefix)

	restored, err := json.Marshal(decoded)
	if err != nil {
		return nil, false
	}
	return restored, true
}

// terminalSessionIDFromPayload extracts the session id that terminal
// capability payloads carry. An empty id falls back to general
// selection.
func terminalSessionIDFromPayload(capability string, payload []byte) string {
	if len(payload) == 0 || !isOwnerScopedCapability(capability) {
		return ""
	}
	var decoded struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return ""
	}
	return strings.TrimSpace(decoded.SessionID)
}
