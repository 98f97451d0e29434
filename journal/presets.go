package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/domdrive/drive"
)

// ErrPresetNotFound is returned when a named preset does not exist.
var ErrPresetNotFound = errors.New("journal: preset not found")

// Presets stores named action batches that can be replayed on demand.
type Presets struct {
	db *sql.DB
}

func NewPresets(db *sql.DB) *Presets {
	return &Presets{db: db}
}

// Save stores or replaces the batch under name.
func (p *Presets) Save(ctx context.Context, name string, actions []drive.Action) error {
	if name == "" {
		return fmt.Errorf("journal: preset name required")
	}
	raw, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("journal: encode preset %s: %w", name, err)
	}
	err = execRetry(ctx, p.db, `
		INSERT INTO presets (name, actions, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			actions = excluded.actions, updated_at = CURRENT_TIMESTAMP`,
		name, string(raw))
	if err != nil {
		return fmt.Errorf("journal: save preset %s: %w", name, err)
	}
	return nil
}

// Load returns the batch stored under name.
func (p *Presets) Load(ctx context.Context, name string) ([]drive.Action, error) {
	var raw string
	err := p.db.QueryRowContext(ctx,
		`SELECT actions FROM presets WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPresetNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: load preset %s: %w", name, err)
	}
	var actions []drive.Action
	if err := json.Unmarshal([]byte(raw), &actions); err != nil {
		return nil, fmt.Errorf("journal: decode preset %s: %w", name, err)
	}
	return actions, nil
}

// List returns the stored preset names in lexical order.
func (p *Presets) List(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name FROM presets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Delete removes the named preset. Deleting a missing preset is not an
// error.
func (p *Presets) Delete(ctx context.Context, name string) error {
	return execRetry(ctx, p.db, `DELETE FROM presets WHERE name = ?`, name)
}
