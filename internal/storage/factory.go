package storage

import (
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/storage/badger"
	"github.com/ternarybob/arbor"
)

// NewStorageManager creates the storage manager for the embedded store.
// The concrete manager is returned so callers that need the raw Badger
// handle (the durable queue) can reach it; everything else should hold
// the StorageManager interface.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (*badger.Manager, error) {
	return badger.NewManager(logger, &config.Storage.Badger)
}
