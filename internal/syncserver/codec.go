package syncserver

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/MarcoPoloResearchLab/notesync/internal/schema"
	"go.uber.org/zap"
)

// DecodePush translates a wire push body into a typed request. Kinds outside the known set are
// skipped so clients on a newer schema can still push the kinds this server understands.
func (s *Service) DecodePush(request protocol.PushRequest) (PushRequest, error) {
	if request.LastPulledAt == nil {
		return PushRequest{}, newServiceError(opDecodePush, reasonInvalidPayload,
			fmt.Errorf("%w: lastPulledAt is required", ErrValidation))
	}
	checkpoint, err := records.NewEpochMillis(*request.LastPulledAt)
	if err != nil {
		return PushRequest{}, newServiceError(opDecodePush, reasonInvalidPayload, fmt.Errorf("%w: %v", ErrValidation, err))
	}

	decoded := PushRequest{
		Changes:    make(map[records.Kind]KindPush, len(request.Changes)),
		Checkpoint: checkpoint,
	}
	for wireKind, changes := range request.Changes {
		kind, ok := records.ParseKind(wireKind)
		if !ok {
			s.loggerOrDefault().Warn("push skipped unknown entity kind", zap.String(fieldKind, wireKind))
			continue
		}

		kindPush := KindPush{}
		if kindPush.Created, err = s.decodeRows(kind, changes.Created); err != nil {
			return PushRequest{}, err
		}
		if kindPush.Updated, err = s.decodeRows(kind, changes.Updated); err != nil {
			return PushRequest{}, err
		}
		for _, rawID := range changes.Deleted {
			id, err := records.ExactRecordID(rawID)
			if err != nil {
				return PushRequest{}, newServiceError(opDecodePush, reasonInvalidPayload, fmt.Errorf("%w: %v", ErrValidation, err))
			}
			kindPush.Deleted = append(kindPush.Deleted, id)
		}
		decoded.Changes[kind] = kindPush
	}
	return decoded, nil
}

func (s *Service) decodeRows(kind records.Kind, rows []protocol.Row) ([]records.Record, error) {
	decoded := make([]records.Record, 0, len(rows))
	for _, row := range rows {
		record, err := s.mapperOrDefault().FromClient(kind, row)
		if err != nil {
			return nil, newServiceError(opDecodePush, reasonInvalidPayload, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		if err := record.Validate(); err != nil {
			return nil, newServiceError(opDecodePush, reasonInvalidPayload, fmt.Errorf("%w: %v", ErrValidation, err))
		}
		decoded = append(decoded, record)
	}
	return decoded, nil
}

// EncodePull renders a pull result in wire field names. Every known kind is present, with
// "created" always empty: every live change travels as a full-row replace under "updated".
func (s *Service) EncodePull(result PullResult) (protocol.PullResponse, error) {
	response := protocol.PullResponse{
		Changes:   make(protocol.Changes, len(records.Kinds())),
		Timestamp: result.Timestamp,
	}
	for _, kind := range records.Kinds() {
		diff := result.Changes[kind]
		kindChanges := protocol.KindChanges{
			Created: []protocol.Row{},
			Updated: make([]protocol.Row, 0, len(diff.Updated)),
			Deleted: make([]string, 0, len(diff.Deleted)),
		}
		for _, record := range diff.Updated {
			row, err := s.mapperOrDefault().ToClient(record)
			if err != nil {
				s.logError(opEncodePull, reasonEncodeFailed, err, zap.String(fieldKind, kind.String()))
				return protocol.PullResponse{}, newServiceError(opEncodePull, reasonEncodeFailed, err)
			}
			kindChanges.Updated = append(kindChanges.Updated, row)
		}
		for _, id := range diff.Deleted {
			kindChanges.Deleted = append(kindChanges.Deleted, id.String())
		}
		response.Changes[kind.String()] = kindChanges
	}
	return response, nil
}

func (s *Service) mapperOrDefault() *schema.Mapper {
	if s.mapper == nil {
		return schema.NewMapper()
	}
	return s.mapper
}
