package storage

import (
	"context"

	"github.com/tis24dev/datadance/internal/chain"
	"github.com/tis24dev/datadance/internal/logging"
)

// blobLister lists and removes blobs on a backend.
type blobLister interface {
	// listBlobs returns the names of every .bin/.dbin file.
	listBlobs(ctx context.Context) ([]string, error)
	remove(ctx context.Context, name string) error
}

func clearOrphans(ctx context.Context, lister blobLister, history chain.BackupHistory, logger *logging.Logger) (int, error) {
	names, err := lister.listBlobs(ctx)
	if err != nil {
		return 0, err
	}

	referenced := history.ReferencedFilenames()
	removed := 0
	for _, name := range names {
		if !chain.IsBlobName(name) {
			continue
		}
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := lister.remove(ctx, name); err != nil {
			logger.Warning("Failed to remove orphaned backup %s: %v", name, err)
			continue
		}
		logger.Info("Removed orphaned backup %s", name)
		removed++
	}
	return removed, nil
}
