package local

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/and161185/vazy-sync/internal/model"
)

var canonicalDDL = []string{
	`CREATE TABLE profiles (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		slug TEXT GENERATED ALWAYS AS (json_extract(data, '$.slug')) VIRTUAL,
		profile_type TEXT GENERATED ALWAYS AS (json_extract(data, '$.profile_type')) VIRTUAL,
		is_active INTEGER GENERATED ALWAYS AS (json_extract(data, '$.is_active')) VIRTUAL
	)`,
	`CREATE INDEX idx_profiles_slug ON profiles(slug)`,
	`CREATE INDEX idx_profiles_type ON profiles(profile_type)`,
	`CREATE INDEX idx_profiles_active ON profiles(is_active)`,

	`CREATE TABLE categories (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		profile_id TEXT GENERATED ALWAYS AS (json_extract(data, '$.profile_id')) VIRTUAL,
		display_order INTEGER GENERATED ALWAYS AS (json_extract(data, '$.display_order')) VIRTUAL
	)`,
	`CREATE INDEX idx_categories_profile_order ON categories(profile_id, display_order)`,

	`CREATE TABLE page_settings (
		profile_id TEXT PRIMARY KEY,
		data TEXT NOT NULL
	)`,

	`CREATE TABLE services_next (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		profile_id TEXT GENERATED ALWAYS AS (json_extract(data, '$.profile_id')) VIRTUAL,
		category TEXT GENERATED ALWAYS AS (json_extract(data, '$.category')) VIRTUAL,
		is_active INTEGER GENERATED ALWAYS AS (json_extract(data, '$.is_active')) VIRTUAL,
		position INTEGER GENERATED ALWAYS AS (json_extract(data, '$.position')) VIRTUAL
	)`,
}

var retireDDL = []string{
	`DROP TABLE services`,
	`DROP TABLE businesses`,
	`DROP TABLE service_categories`,
	`DROP TABLE appointments`,
	`DROP TABLE availability`,
	`DROP TABLE customers`,
	`ALTER TABLE services_next RENAME TO services`,
	`CREATE INDEX idx_services_profile ON services(profile_id)`,
	`CREATE INDEX idx_services_category ON services(category)`,
	`CREATE INDEX idx_services_active ON services(is_active)`,
	`CREATE INDEX idx_services_position ON services(position)`,
	`CREATE INDEX idx_services_profile_active ON services(profile_id, is_active)`,
}

// legacy is a decoded generation 1/2 document.
type legacy map[string]any

func (l legacy) str(k string) string {
	switch v := l[k].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (l legacy) num(keys ...string) float64 {
	for _, k := range keys {
		switch v := l[k].(type) {
		case float64:
			return v
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func (l legacy) boolean(k string, def bool) bool {
	switch v := l[k].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	}
	return def
}

func (l legacy) at(k string) time.Time {
	t, _ := parseLegacyTime(l.str(k), time.UTC)
	return t
}

func parseLegacyTime(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return model.Canonical(t), true
		}
	}
	return time.Time{}, false
}

func readLegacy(ctx context.Context, tx *sql.Tx, table string) ([]legacy, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %s ORDER BY rowid`, table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()
	var out []legacy
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("read %s: %w", table, err)
		}
		var doc legacy
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			continue // unreadable legacy rows are dropped with their table
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func writeDoc(ctx context.Context, tx *sql.Tx, table, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	keyCol := "id"
	if table == model.TablePageSettings {
		keyCol = "profile_id"
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s, data) VALUES (?, ?)
		ON CONFLICT(%s) DO UPDATE SET data = excluded.data`, table, keyCol, keyCol)
	_, err = tx.ExecContext(ctx, stmt, key, string(data))
	return err
}

// upgradeCanonical moves generation 2 data into the canonical layout and retires
// the legacy tables. Rows whose owning business cannot be resolved are dropped.
func upgradeCanonical(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range canonicalDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("generation 3: %w", err)
		}
	}
	m := &migration{tx: tx, owners: map[string]string{}, categories: map[string]string{}, durations: map[string]int{}}
	steps := []func(context.Context) error{m.businesses, m.categoriesStep, m.services, m.appointments, m.availability}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			return fmt.Errorf("generation 3: %w", err)
		}
	}
	for _, stmt := range retireDDL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("generation 3: %w", err)
		}
	}
	return nil
}

type migration struct {
	tx         *sql.Tx
	owners     map[string]string // business id -> profile id
	categories map[string]string // category id -> name
	durations  map[string]int    // service id -> minutes
}

func (m *migration) businesses(ctx context.Context) error {
	rows, err := readLegacy(ctx, m.tx, "businesses")
	if err != nil {
		return err
	}
	for _, b := range rows {
		owner := b.str("owner_id")
		if owner == "" {
			continue
		}
		m.owners[b.str("id")] = owner
		created := b.at("created_at")
		p := model.Profile{
			ID:          owner,
			Name:        b.str("business_name"),
			Slug:        b.str("slug"),
			ProfileType: model.DefaultProfileType,
			Timezone:    model.DefaultTimezone,
			IsActive:    true,
			CreatedAt:   created,
		}
		if err := writeDoc(ctx, m.tx, model.TableProfiles, p.ID, p); err != nil {
			return fmt.Errorf("profile %s: %w", owner, err)
		}

		ps := model.PageSettings{
			ProfileID:   owner,
			Title:       b.str("business_name"),
			Description: b.str("description"),
			Photos:      []string{},
			Phone:       b.str("phone"),
			IsPublished: true,
			UpdatedAt:   b.at("updated_at"),
		}
		if cover := b.str("cover_photo_url"); cover != "" {
			ps.Photos = append(ps.Photos, cover)
		}
		if hours, ok := b["opening_hours"]; ok && hours != nil {
			ps.OpeningHours, _ = json.Marshal(hours)
		}
		if err := writeDoc(ctx, m.tx, model.TablePageSettings, owner, ps); err != nil {
			return fmt.Errorf("page settings %s: %w", owner, err)
		}
	}
	return nil
}

func (m *migration) categoriesStep(ctx context.Context) error {
	rows, err := readLegacy(ctx, m.tx, "service_categories")
	if err != nil {
		return err
	}
	for _, c := range rows {
		m.categories[c.str("id")] = c.str("name")
		owner, ok := m.owners[c.str("business_id")]
		if !ok {
			continue
		}
		cat := model.Category{
			ID:           c.str("id"),
			ProfileID:    owner,
			Name:         c.str("name"),
			DisplayOrder: int(c.num("display_order")),
			CreatedAt:    c.at("created_at"),
			UpdatedAt:    c.at("updated_at"),
		}
		if err := writeDoc(ctx, m.tx, model.TableCategories, cat.ID, cat); err != nil {
			return fmt.Errorf("category %s: %w", cat.ID, err)
		}
	}
	return nil
}

func (m *migration) services(ctx context.Context) error {
	rows, err := readLegacy(ctx, m.tx, "services")
	if err != nil {
		return err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].str("created_at") < rows[j].str("created_at")
	})
	positions := map[string]int{}
	for _, s := range rows {
		minutes := int(s.num("duration_minutes", "duration"))
		m.durations[s.str("id")] = minutes
		owner, ok := m.owners[s.str("business_id")]
		if !ok {
			continue
		}
		svc := model.Service{
			ID:              s.str("id"),
			ProfileID:       owner,
			Category:        m.categories[s.str("category_id")],
			Name:            s.str("name"),
			Description:     s.str("description"),
			DurationMinutes: minutes,
			Price:           model.FromMajor(s.num("price")),
			IsActive:        s.boolean("visible", true),
			Position:        positions[owner],
			CreatedAt:       s.at("created_at"),
			UpdatedAt:       s.at("updated_at"),
		}
		positions[owner]++
		if err := writeDoc(ctx, m.tx, "services_next", svc.ID, svc); err != nil {
			return fmt.Errorf("service %s: %w", svc.ID, err)
		}
	}
	return nil
}

func (m *migration) appointments(ctx context.Context) error {
	rows, err := readLegacy(ctx, m.tx, "appointments")
	if err != nil {
		return err
	}
	for _, a := range rows {
		owner, ok := m.owners[a.str("business_id")]
		if !ok {
			continue
		}
		start, ok := parseLegacyTime(a.str("appointment_date"), time.UTC)
		if !ok {
			continue
		}
		minutes := int(a.num("service_duration"))
		if minutes == 0 {
			minutes = m.durations[a.str("service_id")]
		}
		status := a.str("status")
		if status == "" {
			status = model.StatusConfirmed
		}
		ev := model.CalendarEvent{
			ID:                a.str("id"),
			ProfileID:         owner,
			Type:              model.EventAppointment,
			StartAt:           start,
			EndAt:             start.Add(time.Duration(minutes) * time.Minute),
			ServiceID:         a.str("service_id"),
			ClientName:        a.str("customer_name"),
			ClientPhone:       a.str("customer_phone"),
			ClientEmail:       a.str("customer_email"),
			Status:            status,
			CancellationToken: a.str("cancellation_token"),
			ServiceName:       a.str("service_name"),
			ServicePrice:      model.FromMajor(a.num("service_price")),
			ServiceDuration:   minutes,
			CreatedAt:         a.at("created_at"),
			UpdatedAt:         a.at("updated_at"),
		}
		if err := writeDoc(ctx, m.tx, model.TableCalendarEvents, ev.ID, ev); err != nil {
			return fmt.Errorf("appointment %s: %w", ev.ID, err)
		}
	}
	return nil
}

func (m *migration) availability(ctx context.Context) error {
	rows, err := readLegacy(ctx, m.tx, "availability")
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(model.DefaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	for _, a := range rows {
		if a.boolean("is_available", false) {
			continue
		}
		owner, ok := m.owners[a.str("business_id")]
		if !ok {
			continue
		}
		start, end, ok := blockedRange(a.str("date"), a.str("start_time"), a.str("end_time"), loc)
		if !ok {
			continue
		}
		id := a.str("id")
		if id == "" {
			id = model.NewID()
		}
		ev := model.CalendarEvent{
			ID:        id,
			ProfileID: owner,
			Type:      model.EventBlocked,
			StartAt:   start,
			EndAt:     end,
			Reason:    a.str("reason"),
			CreatedAt: a.at("created_at"),
			UpdatedAt: a.at("created_at"),
		}
		if err := writeDoc(ctx, m.tx, model.TableCalendarEvents, ev.ID, ev); err != nil {
			return fmt.Errorf("blocked date %s: %w", ev.ID, err)
		}
	}
	return nil
}

// blockedRange turns a legacy date with optional HH:MM bounds into an instant range.
// Without bounds the whole day is blocked.
func blockedRange(date, from, to string, loc *time.Location) (time.Time, time.Time, bool) {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}
	start, end := day, day.AddDate(0, 0, 1)
	if t, ok := clock(day, from, loc); ok {
		start = t
	}
	if t, ok := clock(day, to, loc); ok {
		end = t
	}
	if end.Before(start) {
		end = start
	}
	return model.Canonical(start), model.Canonical(end), true
}

func clock(day time.Time, hhmm string, loc *time.Location) (time.Time, bool) {
	hhmm = strings.TrimSpace(hhmm)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.ParseInLocation(layout, hhmm, loc); err == nil {
			return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), true
		}
	}
	return time.Time{}, false
}
