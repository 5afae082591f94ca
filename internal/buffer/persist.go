package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/perceptr/perceptr-go/internal/model"
	"github.com/perceptr/perceptr-go/internal/store"
)

// SaveSnapshot serializes the unsent buffer into the durable store under the
// current session id. At most the three most recent sessions are kept. Called
// on hidden visibility and on unload.
func (b *Buffer) SaveSnapshot(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	b.mu.Lock()
	if b.session == nil || len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}
	startTime := b.lastBatchEnd
	if startTime == 0 {
		startTime = b.session.StartTime
	}
	snap := model.PersistedBuffer{
		SessionID:        b.session.SessionID,
		BatchID:          uuid.NewString(),
		StartTime:        startTime,
		EndTime:          b.clock.Now().UnixMilli(),
		LastActivityTime: b.session.LastActivityTime,
		Size:             b.byteSize,
		Events:           make(model.EventList, len(b.events)),
		UserIdentity:     b.identity,
	}
	for i, en := range b.events {
		snap.Events[i] = en.event
	}
	b.mu.Unlock()

	entries, err := b.loadPersisted(ctx)
	if err != nil {
		return err
	}

	// Replace any prior entry for the same session, newest first, cap at three.
	kept := entries[:0]
	for _, e := range entries {
		if e.SessionID != snap.SessionID {
			kept = append(kept, e)
		}
	}
	kept = append(kept, snap)
	sort.Slice(kept, func(i, j int) bool { return kept[i].EndTime > kept[j].EndTime })
	if len(kept) > maxPersistedSessions {
		kept = kept[:maxPersistedSessions]
	}

	if err := b.storePersisted(ctx, kept); err != nil {
		return err
	}
	b.logger.Info("buffer: snapshot persisted",
		"session_id", snap.SessionID, "event_count", len(snap.Events), "size_bytes", snap.Size)
	return nil
}

// FlushPersistedBuffers replays every stored entry through the uploader.
// Entries of the current session keep its chronology: when a batch has already
// been flushed this run, the entry's start time is overridden with that
// batch's end. Entries of other sessions are terminal by definition and are
// marked ended. Uploaded and empty entries are removed; failed entries stay
// for the next attempt.
func (b *Buffer) FlushPersistedBuffers(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	entries, err := b.loadPersisted(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	b.mu.Lock()
	currentID := ""
	if b.session != nil {
		currentID = b.session.SessionID
	}
	lastBatchEnd := b.lastBatchEnd
	b.mu.Unlock()

	var errs []error
	var remaining []model.PersistedBuffer
	for _, e := range entries {
		if len(e.Events) == 0 {
			continue
		}

		startTime := e.StartTime
		if e.SessionID == currentID && lastBatchEnd != 0 {
			startTime = lastBatchEnd
		}
		batch := &model.Batch{
			SessionID:      e.SessionID,
			BatchID:        e.BatchID,
			IsSessionEnded: e.SessionID != currentID,
			StartTime:      startTime,
			EndTime:        e.EndTime,
			Size:           e.Size,
			Data:           e.Events,
			Metadata:       model.BatchMetadata{EventCount: len(e.Events)},
			UserIdentity:   e.UserIdentity,
		}

		var sendErr error
		for _, piece := range SplitBatch(batch) {
			if sendErr = b.uploader.SendEvents(ctx, piece); sendErr != nil {
				break
			}
		}
		if sendErr != nil {
			errs = append(errs, fmt.Errorf("buffer: replay session %s: %w", e.SessionID, sendErr))
			remaining = append(remaining, e)
			continue
		}

		if e.SessionID == currentID && e.EndTime > lastBatchEnd {
			// The carryover extends this session's chronology.
			lastBatchEnd = e.EndTime
			b.mu.Lock()
			if e.EndTime > b.lastBatchEnd {
				b.lastBatchEnd = e.EndTime
			}
			b.mu.Unlock()
		}
		b.logger.Info("buffer: persisted batch replayed",
			"session_id", e.SessionID, "batch_id", e.BatchID, "event_count", len(e.Events))
	}

	if err := b.storePersisted(ctx, remaining); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (b *Buffer) loadPersisted(ctx context.Context) ([]model.PersistedBuffer, error) {
	raw, ok, err := b.store.Get(ctx, store.KeyBufferData)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entries []model.PersistedBuffer
	if err := json.Unmarshal(raw, &entries); err != nil {
		b.logger.Warn("buffer: persisted data corrupt, discarding", "error", err)
		return nil, nil
	}
	return entries, nil
}

func (b *Buffer) storePersisted(ctx context.Context, entries []model.PersistedBuffer) error {
	if len(entries) == 0 {
		return b.store.Delete(ctx, store.KeyBufferData)
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("buffer: marshal persisted data: %w", err)
	}
	return b.store.Put(ctx, store.KeyBufferData, raw, b.clock.Now().UnixMilli())
}
