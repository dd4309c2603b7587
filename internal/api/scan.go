package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nvia/catalogd/internal/bus"
)

// publishScan marshals and publishes one CollectionScanMessage, tagging the envelope's correlation id with the
// owning BackgroundJob so failures and derivation messages emitted downstream can be traced back to it. Shared by
// the library- and collection-scoped scan endpoints.
func publishScan(ctx context.Context, b *bus.Bus, jobID, collectionID, path, kind string, forceRescan bool) error {
	msg := bus.CollectionScanMessage{CollectionID: collectionID, Path: path, Kind: kind, ForceRescan: forceRescan}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal collection scan message: %w", err)
	}
	env := bus.Envelope{
		ID:            uuid.New().String(),
		Kind:          bus.KindCollectionScan,
		CorrelationID: jobID,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
	return b.Publish(ctx, bus.QueueScan, env)
}
