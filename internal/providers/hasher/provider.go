package hasher

import "github.com/boxfleet/boxfleet-console/internal/config"

// ProvideHasher is a Wire provider that builds the credential hasher
// from the configured HMAC key.
func ProvideHasher(conf *config.Config) *HMAC {
	return New(conf.ConsoleHashKey())
}
