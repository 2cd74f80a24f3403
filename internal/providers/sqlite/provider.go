package sqlite

import (
	"context"

	"github.com/boxfleet/boxfleet-console/internal/config"
)

// ProvideStore is a Wire provider that opens the SQLite store at the
// configured path. The returned cleanup closes the database.
func ProvideStore(conf *config.Config) (*Store, func(), error) {
	store, err := Open(context.Background(), Options{
		Path:          conf.ConsoleDBPath(),
		BusyTimeout:   conf.ConsoleDBBusyTimeout(),
		TaskRetention: conf.ConsoleTaskRetention(),
	})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
