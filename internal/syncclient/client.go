// Package syncclient drives pull-then-push sync cycles between a local store and the server.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/localstore"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/MarcoPoloResearchLab/notesync/internal/schema"
	"go.uber.org/zap"
)

const defaultMaxConflictRetries = 3

var (
	errMissingStore     = errors.New("syncclient: local store is required")
	errMissingTransport = errors.New("syncclient: transport is required")
	noOpLogger          = zap.NewNop()
)

// Config describes the collaborators of a Client.
type Config struct {
	Store              *localstore.Store
	Transport          Transport
	Mapper             *schema.Mapper
	IDProvider         IDProvider
	Clock              func() time.Time
	MaxConflictRetries int
	Logger             *zap.Logger
}

// Client owns one local store and serializes the sync cycles run against it.
type Client struct {
	store      *localstore.Store
	transport  Transport
	mapper     *schema.Mapper
	idProvider IDProvider
	clock      func() time.Time
	retries    int
	logger     *zap.Logger

	cycleMu sync.Mutex
}

func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}

	mapper := cfg.Mapper
	if mapper == nil {
		mapper = schema.NewMapper()
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retries := cfg.MaxConflictRetries
	if retries <= 0 {
		retries = defaultMaxConflictRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Client{
		store:      cfg.Store,
		transport:  cfg.Transport,
		mapper:     mapper,
		idProvider: idProvider,
		clock:      clock,
		retries:    retries,
		logger:     logger,
	}, nil
}

// CycleResult summarizes one completed sync cycle.
type CycleResult struct {
	Checkpoint int64
	Pulled     int
	Removed    int
	Pushed     int
}

// Sync runs sync cycles until one completes, re-pulling after each conflict up to the
// configured retry limit. Any other error is returned immediately.
func (c *Client) Sync(ctx context.Context) (CycleResult, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		result, err := c.RunSyncCycle(ctx)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, protocol.ErrConflict) {
			return CycleResult{}, err
		}
		lastErr = err
		c.logger.Info("sync cycle hit a conflict, re-pulling",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return CycleResult{}, fmt.Errorf("syncclient: conflict persisted after %d retries: %w", c.retries, lastErr)
}

// RunSyncCycle pulls, applies the pull, then pushes every pending change with the new
// checkpoint. A failed pull leaves the store untouched; a failed push leaves every pending
// marker in place.
func (c *Client) RunSyncCycle(ctx context.Context) (CycleResult, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	checkpoint, err := c.store.Checkpoint()
	if err != nil {
		return CycleResult{}, err
	}

	pullResponse, err := c.transport.Pull(ctx, checkpoint)
	if err != nil {
		return CycleResult{}, fmt.Errorf("pull: %w", err)
	}
	pulled, err := c.decodePull(pullResponse)
	if err != nil {
		return CycleResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return CycleResult{}, err
	}
	if err := c.store.ApplyPull(pulled, pullResponse.Timestamp); err != nil {
		return CycleResult{}, fmt.Errorf("apply pull: %w", err)
	}

	result := CycleResult{Checkpoint: pullResponse.Timestamp}
	for _, changes := range pulled {
		result.Pulled += len(changes.Updated)
		result.Removed += len(changes.Deleted)
	}

	pending, err := c.store.PendingChanges()
	if err != nil {
		return CycleResult{}, err
	}
	if pending.IsEmpty() {
		return result, nil
	}

	pushRequest, pushed, err := c.encodePush(pending, pullResponse.Timestamp)
	if err != nil {
		return CycleResult{}, err
	}
	if err := c.transport.Push(ctx, pushRequest); err != nil {
		return CycleResult{}, fmt.Errorf("push: %w", err)
	}
	if err := c.store.MarkPushed(pending); err != nil {
		return CycleResult{}, fmt.Errorf("mark pushed: %w", err)
	}
	result.Pushed = pushed

	c.logger.Debug("sync cycle completed",
		zap.Int64("checkpoint", result.Checkpoint),
		zap.Int("pulled", result.Pulled),
		zap.Int("removed", result.Removed),
		zap.Int("pushed", result.Pushed))
	return result, nil
}

func (c *Client) decodePull(response protocol.PullResponse) (map[records.Kind]localstore.PulledKind, error) {
	pulled := make(map[records.Kind]localstore.PulledKind, len(response.Changes))
	for wireKind, changes := range response.Changes {
		kind, ok := records.ParseKind(wireKind)
		if !ok {
			c.logger.Warn("pull skipped unknown entity kind", zap.String("kind", wireKind))
			continue
		}

		kindPulled := localstore.PulledKind{}
		for _, rows := range [][]protocol.Row{changes.Created, changes.Updated} {
			for _, row := range rows {
				record, err := c.mapper.FromServer(kind, row)
				if err != nil {
					return nil, fmt.Errorf("decode pulled %s: %w", kind, err)
				}
				kindPulled.Updated = append(kindPulled.Updated, record)
			}
		}
		for _, rawID := range changes.Deleted {
			id, err := records.NewRecordID(rawID)
			if err != nil {
				return nil, fmt.Errorf("decode pulled %s: %w", kind, err)
			}
			kindPulled.Deleted = append(kindPulled.Deleted, id)
		}
		pulled[kind] = kindPulled
	}
	return pulled, nil
}

func (c *Client) encodePush(pending localstore.Pending, checkpoint int64) (protocol.PushRequest, int, error) {
	request := protocol.PushRequest{
		Changes:      make(protocol.Changes, len(pending.Changes)),
		LastPulledAt: &checkpoint,
	}
	count := 0
	for kind, changes := range pending.Changes {
		kindChanges := protocol.KindChanges{
			Created: make([]protocol.Row, 0, len(changes.Created)),
			Updated: make([]protocol.Row, 0, len(changes.Updated)),
			Deleted: make([]string, 0, len(changes.Deleted)),
		}
		for _, record := range changes.Created {
			row, err := c.mapper.ToServer(record)
			if err != nil {
				return protocol.PushRequest{}, 0, err
			}
			kindChanges.Created = append(kindChanges.Created, row)
		}
		for _, record := range changes.Updated {
			row, err := c.mapper.ToServer(record)
			if err != nil {
				return protocol.PushRequest{}, 0, err
			}
			kindChanges.Updated = append(kindChanges.Updated, row)
		}
		for _, id := range changes.Deleted {
			kindChanges.Deleted = append(kindChanges.Deleted, id.String())
		}
		count += len(changes.Created) + len(changes.Updated) + len(changes.Deleted)
		request.Changes[kind.String()] = kindChanges
	}
	return request, count, nil
}

// Save stores a local edit. A record without an id is assigned one; the client timing fields
// are stamped from the local clock. The stored record is returned.
func (c *Client) Save(record records.Record) (records.Record, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: nil record", records.ErrInvalidRecord)
	}
	header := record.Header()
	now := c.clock().UTC().UnixMilli()

	if header.ID == "" {
		id, err := c.idProvider.NewID()
		if err != nil {
			return nil, fmt.Errorf("syncclient: generate id: %w", err)
		}
		header.ID = id
	}
	if header.ClientCreatedAt == 0 {
		header.ClientCreatedAt = now
	}
	header.ClientUpdatedAt = now

	if err := c.store.Save(record); err != nil {
		return nil, err
	}
	return c.store.Get(record.Kind(), records.RecordID(header.ID))
}

// Delete marks a local record for deletion on the next sync.
func (c *Client) Delete(kind records.Kind, id records.RecordID) error {
	return c.store.Delete(kind, id)
}

// Get returns a live local record.
func (c *Client) Get(kind records.Kind, id records.RecordID) (records.Record, error) {
	return c.store.Get(kind, id)
}

// List returns every live local record of a kind.
func (c *Client) List(kind records.Kind) ([]records.Record, error) {
	return c.store.List(kind)
}
