package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nvia/catalogd/internal/archivereader"
	"github.com/nvia/catalogd/internal/bus"
	"github.com/nvia/catalogd/internal/catalog/collection"
	"github.com/nvia/catalogd/internal/catalog/library"
	"github.com/nvia/catalogd/internal/catalogerr"
)

// HandleCreation satisfies bus.Handler for the QueueCreation queue: it registers a new Collection under an existing
// Library and runs its first scan inline, so the collection is browsable as soon as the message completes.
func (s *Scanner) HandleCreation(ctx context.Context, env bus.Envelope) (bus.Decision, error) {
	var msg bus.CollectionCreationMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return bus.NackDrop, fmt.Errorf("unmarshal collection creation message: %w", err)
	}

	jobID := msg.JobID
	if jobID == "" {
		jobID = env.CorrelationID
	}

	if msg.Kind != string(collection.KindFolder) && !archivereader.IsArchiveKind(msg.Kind) {
		err := fmt.Errorf("collection creation for %s has unknown kind %q", msg.Path, msg.Kind)
		s.recordOutcome(ctx, jobID, false, err.Error())
		return bus.NackDrop, err
	}

	if _, err := s.libraries.GetByID(ctx, msg.LibraryID); err != nil {
		if errors.Is(err, library.ErrNotFound) {
			err = fmt.Errorf("library %s not found: %w", msg.LibraryID, err)
			s.recordOutcome(ctx, jobID, false, err.Error())
			return bus.NackDrop, err
		}
		return bus.NackRequeue, fmt.Errorf("load library %s: %w", msg.LibraryID, err)
	}

	col, err := s.collections.Create(ctx, collection.CreateParams{
		LibraryID: msg.LibraryID,
		Name:      msg.Name,
		Path:      msg.Path,
		Kind:      collection.Kind(msg.Kind),
	})
	if err != nil {
		return bus.NackRequeue, fmt.Errorf("create collection: %w", err)
	}

	// Once the collection row exists the message is never requeued: a redelivery would register a duplicate. A
	// failed first scan is recorded on the job; the collection stays and can be rescanned through the scan surface.
	if err := s.Scan(ctx, bus.CollectionScanMessage{CollectionID: col.ID, Path: col.Path, Kind: string(col.Kind)}, jobID); err != nil {
		s.recordOutcome(ctx, jobID, false, err.Error())
		return bus.NackDrop, err
	}

	s.recordOutcome(ctx, jobID, true, "")
	return bus.Ack, nil
}

// HandleBulk satisfies bus.Handler for the QueueBulk queue: a batch scan or rescan over many collections, fanned
// out as one CollectionScanMessage per collection so the scan pool does the actual work at its own concurrency.
func (s *Scanner) HandleBulk(ctx context.Context, env bus.Envelope) (bus.Decision, error) {
	var msg bus.BulkOperationMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return bus.NackDrop, fmt.Errorf("unmarshal bulk operation message: %w", err)
	}

	jobID := msg.JobID
	if jobID == "" {
		jobID = env.CorrelationID
	}

	var force bool
	switch msg.Operation {
	case "scan":
	case "rescan":
		force = true
	default:
		err := fmt.Errorf("unknown bulk operation %q", msg.Operation)
		s.recordOutcome(ctx, jobID, false, err.Error())
		return bus.NackDrop, err
	}

	for _, id := range msg.CollectionIDs {
		col, err := s.collections.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, collection.ErrNotFound) {
				// The scan for this collection will never run, so its slot on the job is settled here.
				s.recordOutcome(ctx, jobID, false, fmt.Sprintf("collection %s not found", id))
				continue
			}
			return bus.NackRequeue, catalogerr.New(catalogerr.KindTransientIO, fmt.Errorf("load collection %s: %w", id, err))
		}
		if err := s.publishScanMessage(ctx, jobID, col, force); err != nil {
			return bus.NackRequeue, catalogerr.New(catalogerr.KindTransientIO, err)
		}
	}

	return bus.Ack, nil
}

func (s *Scanner) publishScanMessage(ctx context.Context, jobID string, col *collection.Collection, forceRescan bool) error {
	msg := bus.CollectionScanMessage{CollectionID: col.ID, Path: col.Path, Kind: string(col.Kind), ForceRescan: forceRescan}
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
	if err := s.bus.Publish(ctx, bus.QueueScan, env); err != nil {
		return fmt.Errorf("publish collection scan for %s: %w", col.ID, err)
	}
	return nil
}
