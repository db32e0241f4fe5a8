package model

import (
	"encoding/json"
	"fmt"

	"github.com/and161185/vazy-sync/internal/errs"
)

// Mirrored table names.
const (
	TableProfiles       = "profiles"
	TableServices       = "services"
	TableCategories     = "categories"
	TableCalendarEvents = "calendar_events"
	TablePageSettings   = "page_settings"
)

// TableDef describes a mirrored table: its primary key field and the field holding the owner id.
type TableDef struct {
	Name  string
	Key   string
	Owner string
}

var tables = map[string]TableDef{
	TableProfiles:       {Name: TableProfiles, Key: "id", Owner: "id"},
	TableServices:       {Name: TableServices, Key: "id", Owner: "profile_id"},
	TableCategories:     {Name: TableCategories, Key: "id", Owner: "profile_id"},
	TableCalendarEvents: {Name: TableCalendarEvents, Key: "id", Owner: "profile_id"},
	TablePageSettings:   {Name: TablePageSettings, Key: "profile_id", Owner: "profile_id"},
}

// Table looks up a mirrored table definition.
func Table(name string) (TableDef, error) {
	def, ok := tables[name]
	if !ok {
		return TableDef{}, fmt.Errorf("unknown table %q", name)
	}
	return def, nil
}

// Tables lists every mirrored table.
func Tables() []TableDef {
	return []TableDef{
		tables[TableProfiles],
		tables[TableServices],
		tables[TableCategories],
		tables[TableCalendarEvents],
		tables[TablePageSettings],
	}
}

// KeyOf extracts the primary key of a JSON document of this table.
func (d TableDef) KeyOf(doc json.RawMessage) (string, error) {
	key, err := d.field(doc, d.Key)
	if err == nil && key == "" {
		err = fmt.Errorf("%s: document without %s: %w", d.Name, d.Key, errs.ErrValidation)
	}
	return key, err
}

// OwnerOf extracts the owning profile id of a JSON document of this table.
func (d TableDef) OwnerOf(doc json.RawMessage) (string, error) {
	owner, err := d.field(doc, d.Owner)
	if err == nil && owner == "" {
		err = fmt.Errorf("%s: document without %s: %w", d.Name, d.Owner, errs.ErrValidation)
	}
	return owner, err
}

func (d TableDef) field(doc json.RawMessage, name string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return "", fmt.Errorf("%s: decode document: %w: %w", d.Name, errs.ErrValidation, err)
	}
	var v string
	if raw, ok := fields[name]; ok {
		_ = json.Unmarshal(raw, &v)
	}
	return v, nil
}
