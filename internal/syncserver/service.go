package syncserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/canonical"
	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/MarcoPoloResearchLab/notesync/internal/schema"
	"go.uber.org/zap"
)

var (
	// ErrValidation marks a malformed push payload. Nothing is written when it is returned.
	ErrValidation = errors.New("sync: validation failed")
	// ErrNotFound marks a record that is missing or owned by a different user.
	ErrNotFound = errors.New("sync: record not found")

	errMissingStore = errors.New("canonical store is required")
	noOpLogger      = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// NotFoundError names the record that could not be resolved for the caller.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s record %s not found", e.Kind, e.ID)
}

// Is allows errors.Is(err, ErrNotFound).
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

const (
	opServiceNew = "sync.service.new"
	opPull       = "sync.pull"
	opPush       = "sync.push"
	opDecodePush = "sync.decode_push"
	opEncodePull = "sync.encode_pull"

	reasonMissingStore   = "missing_store"
	reasonMissingOwner   = "missing_owner"
	reasonReadFailed     = "read_failed"
	reasonWriteFailed    = "write_failed"
	reasonConflict       = "conflict"
	reasonNotFound       = "not_found"
	reasonInvalidPayload = "invalid_payload"
	reasonEncodeFailed   = "encode_failed"

	fieldOwner = "owner"
	fieldKind  = "kind"
	fieldID    = "id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Store   canonical.Store
	Stamper *canonical.Stamper
	Mapper  *schema.Mapper
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Service arbitrates pulls and pushes against the canonical store.
type Service struct {
	store   canonical.Store
	stamper *canonical.Stamper
	mapper  *schema.Mapper
	logger  *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, reasonMissingStore, errMissingStore)
	}

	stamper := cfg.Stamper
	if stamper == nil {
		stamper = canonical.NewStamper(cfg.Clock)
	}

	mapper := cfg.Mapper
	if mapper == nil {
		mapper = schema.NewMapper()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:   cfg.Store,
		stamper: stamper,
		mapper:  mapper,
		logger:  logger,
	}, nil
}

// KindDiff carries the pull result of one kind.
type KindDiff struct {
	Updated []records.Record
	Deleted []records.RecordID
}

// PullResult is the diff returned by Pull plus the checkpoint the client should persist.
type PullResult struct {
	Changes   map[records.Kind]KindDiff
	Timestamp int64
}

// Pull returns the owner's changes after checkpoint. A nil checkpoint returns every live record.
func (s *Service) Pull(ctx context.Context, owner records.OwnerID, checkpoint *records.EpochMillis) (PullResult, error) {
	if s.store == nil {
		s.logError(opPull, reasonMissingStore, errMissingStore)
		return PullResult{}, newServiceError(opPull, reasonMissingStore, errMissingStore)
	}
	if owner == "" {
		return PullResult{}, newServiceError(opPull, reasonMissingOwner, records.ErrInvalidOwnerID)
	}

	var since *int64
	if checkpoint != nil {
		value := checkpoint.Int64()
		since = &value
	}

	result := PullResult{Changes: make(map[records.Kind]KindDiff, len(records.Kinds()))}
	err := s.store.Read(ctx, func(reader canonical.Reader) error {
		result.Timestamp = s.stamper.Watermark()
		for _, kind := range records.Kinds() {
			changed, err := reader.ChangedSince(kind, owner, since)
			if err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			diff := KindDiff{
				Updated: make([]records.Record, 0, len(changed)),
				Deleted: make([]records.RecordID, 0),
			}
			for _, record := range changed {
				if record.Header().IsDeleted {
					diff.Deleted = append(diff.Deleted, records.RecordID(record.Header().ID))
					continue
				}
				diff.Updated = append(diff.Updated, record)
			}
			result.Changes[kind] = diff
		}
		return nil
	})
	if err != nil {
		s.logError(opPull, reasonReadFailed, err, zap.String(fieldOwner, owner.String()))
		return PullResult{}, newServiceError(opPull, reasonReadFailed, err)
	}

	return result, nil
}

// KindPush carries the pushed changes of one kind.
type KindPush struct {
	Created []records.Record
	Updated []records.Record
	Deleted []records.RecordID
}

// PushRequest is a decoded, validated push payload.
type PushRequest struct {
	Changes    map[records.Kind]KindPush
	Checkpoint records.EpochMillis
}

// Push applies every change in one transaction. An update whose record was modified after the
// checkpoint aborts the whole push with a *protocol.ConflictError; nothing is written.
func (s *Service) Push(ctx context.Context, owner records.OwnerID, request PushRequest) error {
	if s.store == nil {
		s.logError(opPush, reasonMissingStore, errMissingStore)
		return newServiceError(opPush, reasonMissingStore, errMissingStore)
	}
	if owner == "" {
		return newServiceError(opPush, reasonMissingOwner, records.ErrInvalidOwnerID)
	}
	if err := validatePush(request); err != nil {
		return newServiceError(opPush, reasonInvalidPayload, err)
	}

	checkpoint := request.Checkpoint.Int64()
	err := s.store.Write(ctx, func(writer canonical.Writer) error {
		for _, kind := range records.Kinds() {
			changes, ok := request.Changes[kind]
			if !ok {
				continue
			}
			for _, record := range changes.Created {
				if err := s.applyCreate(writer, owner, record); err != nil {
					return err
				}
			}
			for _, record := range changes.Updated {
				if err := s.applyUpdate(writer, owner, record, checkpoint); err != nil {
					return err
				}
			}
			for _, id := range changes.Deleted {
				if err := s.applyDelete(writer, owner, kind, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var conflict *protocol.ConflictError
	if errors.As(err, &conflict) {
		s.loggerOrDefault().Info("push rejected by conflict",
			zap.String(fieldOwner, owner.String()),
			zap.String(fieldKind, conflict.Kind),
			zap.String(fieldID, conflict.ID),
			zap.Int64("checkpoint", checkpoint))
		return newServiceError(opPush, reasonConflict, conflict)
	}
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return newServiceError(opPush, reasonNotFound, notFound)
	}
	s.logError(opPush, reasonWriteFailed, err, zap.String(fieldOwner, owner.String()))
	return newServiceError(opPush, reasonWriteFailed, err)
}

// applyCreate upserts so a push retried after a lost response is safe to repeat.
func (s *Service) applyCreate(writer canonical.Writer, owner records.OwnerID, record records.Record) error {
	header := record.Header()
	existing, err := writer.Find(record.Kind(), owner, records.RecordID(header.ID))
	switch {
	case errors.Is(err, canonical.ErrRecordNotFound):
		existing = nil
	case err != nil:
		return err
	}

	if existing != nil && existing.Header().IsDeleted {
		s.loggerOrDefault().Debug("create ignored for tombstoned record",
			zap.String(fieldOwner, owner.String()),
			zap.String(fieldKind, record.Kind().String()),
			zap.String(fieldID, header.ID))
		return nil
	}

	now := s.stamper.Next()
	header.Owner = owner.String()
	header.IsDeleted = false
	header.LastModified = now
	header.ServerCreatedAt = now
	if existing != nil {
		header.ServerCreatedAt = existing.Header().ServerCreatedAt
	}
	return writer.Save(record)
}

func (s *Service) applyUpdate(writer canonical.Writer, owner records.OwnerID, record records.Record, checkpoint int64) error {
	header := record.Header()
	existing, err := writer.Find(record.Kind(), owner, records.RecordID(header.ID))
	if errors.Is(err, canonical.ErrRecordNotFound) {
		return &NotFoundError{Kind: record.Kind().String(), ID: header.ID}
	}
	if err != nil {
		return err
	}

	current := existing.Header()
	if current.LastModified > checkpoint {
		return &protocol.ConflictError{Kind: record.Kind().String(), ID: header.ID}
	}
	if current.IsDeleted {
		return nil
	}

	header.Owner = owner.String()
	header.IsDeleted = false
	header.ServerCreatedAt = current.ServerCreatedAt
	header.LastModified = s.stamper.Next()
	return writer.Save(record)
}

// applyDelete is not subject to the staleness check: the last delete always wins.
func (s *Service) applyDelete(writer canonical.Writer, owner records.OwnerID, kind records.Kind, id records.RecordID) error {
	existing, err := writer.Find(kind, owner, id)
	if errors.Is(err, canonical.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Header().IsDeleted {
		return nil
	}
	_, err = writer.Tombstone(kind, owner, id, s.stamper.Next())
	return err
}

func validatePush(request PushRequest) error {
	if request.Checkpoint < 0 {
		return fmt.Errorf("%w: %v", ErrValidation, records.ErrInvalidTimestamp)
	}
	for kind, changes := range request.Changes {
		if _, err := records.New(kind); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		for _, group := range [][]records.Record{changes.Created, changes.Updated} {
			for _, record := range group {
				if record == nil || record.Kind() != kind {
					return fmt.Errorf("%w: record does not belong to %s", ErrValidation, kind)
				}
				if err := record.Validate(); err != nil {
					return fmt.Errorf("%w: %v", ErrValidation, err)
				}
			}
		}
		for _, id := range changes.Deleted {
			if _, err := records.ExactRecordID(id.String()); err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync service error", attrs...)
}
