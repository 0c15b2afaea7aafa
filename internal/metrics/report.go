package metrics

import (
	"context"
	"encoding/json"
	"io"
)

// SnapshotProvider abstracts Manager for reporting.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// WriteReport encodes the provider's current snapshot as indented JSON.
func WriteReport(ctx context.Context, w io.Writer, provider SnapshotProvider) error {
	snap, err := provider.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
