package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/notesync/internal/protocol"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
)

// ErrMalformedRow indicates that a wire row could not be decoded into its kind.
var ErrMalformedRow = errors.New("schema: malformed row")

// Domain field names that only the server assigns.
const (
	fieldOwner           = "owner"
	fieldServerCreatedAt = "serverCreatedAt"
	fieldLastModified    = "lastModified"
	fieldIsDeleted       = "isDeleted"
)

// localOnlyFields lists bookkeeping keys a client store may attach to rows. They never cross the wire.
var localOnlyFields = []string{"_status", "_changed", "_revision", "dirty"}

// FieldMapping pairs a domain field name with its wire field name.
type FieldMapping struct {
	Domain string
	Wire   string
}

var sharedFields = []FieldMapping{
	{Domain: "id", Wire: "id"},
	{Domain: fieldOwner, Wire: "owner"},
	{Domain: "createdAt", Wire: "created_at"},
	{Domain: "updatedAt", Wire: "updated_at"},
	{Domain: fieldServerCreatedAt, Wire: "server_created_at"},
	{Domain: fieldLastModified, Wire: "last_modified"},
	{Domain: fieldIsDeleted, Wire: "is_deleted"},
}

var kindFields = map[records.Kind][]FieldMapping{
	records.KindNote: {
		{Domain: "title", Wire: "title"},
		{Domain: "contentBody", Wire: "content_body"},
		{Domain: "status", Wire: "status"},
		{Domain: "audioKey", Wire: "audio_key"},
	},
	records.KindCollection: {
		{Domain: "name", Wire: "name"},
		{Domain: "description", Wire: "description"},
		{Domain: "status", Wire: "status"},
	},
	records.KindCollectionItem: {
		{Domain: "collectionId", Wire: "collection_id"},
		{Domain: "noteId", Wire: "note_id"},
		{Domain: "position", Wire: "position"},
	},
}

// Table is the bidirectional field-name table of one kind.
type Table struct {
	kind     records.Kind
	mappings []FieldMapping
	toWire   map[string]string
	toDomain map[string]string
}

func newTable(kind records.Kind, mappings []FieldMapping) *Table {
	table := &Table{
		kind:     kind,
		mappings: mappings,
		toWire:   make(map[string]string, len(mappings)),
		toDomain: make(map[string]string, len(mappings)),
	}
	for _, mapping := range mappings {
		table.toWire[mapping.Domain] = mapping.Wire
		table.toDomain[mapping.Wire] = mapping.Domain
	}
	return table
}

// Kind returns the kind the table describes.
func (t *Table) Kind() records.Kind {
	return t.kind
}

// Fields returns a copy of the mappings in declaration order.
func (t *Table) Fields() []FieldMapping {
	fields := make([]FieldMapping, len(t.mappings))
	copy(fields, t.mappings)
	return fields
}

// WireName translates a domain name; unmapped names pass through unchanged.
func (t *Table) WireName(domain string) string {
	if wire, ok := t.toWire[domain]; ok {
		return wire
	}
	return domain
}

// DomainName translates a wire name; unmapped names pass through unchanged.
func (t *Table) DomainName(wire string) string {
	if domain, ok := t.toDomain[wire]; ok {
		return domain
	}
	return wire
}

// Mapper translates records between their wire and domain shapes for every known kind.
type Mapper struct {
	tables map[records.Kind]*Table
}

// NewMapper builds the field tables for all known kinds.
func NewMapper() *Mapper {
	tables := make(map[records.Kind]*Table, len(kindFields))
	for _, kind := range records.Kinds() {
		mappings := make([]FieldMapping, 0, len(sharedFields)+len(kindFields[kind]))
		mappings = append(mappings, sharedFields...)
		mappings = append(mappings, kindFields[kind]...)
		tables[kind] = newTable(kind, mappings)
	}
	return &Mapper{tables: tables}
}

// Table returns the field table of a kind.
func (m *Mapper) Table(kind records.Kind) (*Table, error) {
	table, ok := m.tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", records.ErrUnknownKind, string(kind))
	}
	return table, nil
}

// ToClient renders a canonical record for a pull response. The owner never leaves the server.
func (m *Mapper) ToClient(record records.Record) (protocol.Row, error) {
	return m.encode(record, fieldOwner)
}

// FromClient decodes a pushed row. Server-assigned fields and local bookkeeping are dropped
// so a client can never set them.
func (m *Mapper) FromClient(kind records.Kind, row protocol.Row) (records.Record, error) {
	return m.decode(kind, row, fieldOwner, fieldServerCreatedAt, fieldLastModified, fieldIsDeleted)
}

// ToServer renders a local record for a push payload.
func (m *Mapper) ToServer(record records.Record) (protocol.Row, error) {
	return m.encode(record, fieldOwner, fieldServerCreatedAt, fieldLastModified, fieldIsDeleted)
}

// FromServer decodes a pulled row, keeping the server timing fields.
func (m *Mapper) FromServer(kind records.Kind, row protocol.Row) (records.Record, error) {
	return m.decode(kind, row, fieldOwner)
}

func (m *Mapper) encode(record records.Record, strippedDomainFields ...string) (protocol.Row, error) {
	if record == nil {
		return nil, fmt.Errorf("%w: nil record", ErrMalformedRow)
	}
	table, err := m.Table(record.Kind())
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	var domainFields map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &domainFields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	stripFields(domainFields, strippedDomainFields...)
	stripFields(domainFields, localOnlyFields...)

	row := make(protocol.Row, len(domainFields))
	for name, value := range domainFields {
		row[table.WireName(name)] = value
	}
	return row, nil
}

func (m *Mapper) decode(kind records.Kind, row protocol.Row, strippedDomainFields ...string) (records.Record, error) {
	table, err := m.Table(kind)
	if err != nil {
		return nil, err
	}
	domainFields := make(map[string]json.RawMessage, len(row))
	for name, value := range row {
		domainFields[table.DomainName(name)] = value
	}
	stripFields(domainFields, strippedDomainFields...)
	stripFields(domainFields, localOnlyFields...)

	encoded, err := json.Marshal(domainFields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	record, err := records.New(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(encoded, record); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRow, kind, err)
	}
	records.Normalize(record)
	return record, nil
}

// stripFields removes keys case-insensitively, matching how encoding/json binds object keys to
// struct fields.
func stripFields(fields map[string]json.RawMessage, names ...string) {
	for key := range fields {
		for _, name := range names {
			if strings.EqualFold(key, name) {
				delete(fields, key)
				break
			}
		}
	}
}
