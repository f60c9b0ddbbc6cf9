package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/evaluation"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
)

// Compile-time interface check.
var _ evaluation.Store = (*ProgressStore)(nil)

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// ProgressStore implements evaluation.Store for PostgreSQL.
type ProgressStore struct {
	conn *Connection
}

// NewProgressStore creates a new ProgressStore.
func NewProgressStore(conn *Connection) *ProgressStore {
	return &ProgressStore{conn: conn}
}

// ─────────────────────────────────────────────────────────────────────────────
// Reads
// ─────────────────────────────────────────────────────────────────────────────

// LoadAggregate reads the progress state and unlocks in one snapshot.
func (r *ProgressStore) LoadAggregate(ctx context.Context, studentID string) (*evaluation.Aggregate, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	agg := &evaluation.Aggregate{}
	err := r.conn.WithTx(ctx, ReadOnlyTxOptions(), func(tx pgx.Tx) error {
		state, err := r.getState(ctx, tx, studentID)
		if err != nil {
			return err
		}
		agg.State = state

		agg.Unlocks, err = r.listUnlocks(ctx, tx, studentID)
		return err
	})
	if err != nil {
		return nil, classify("LoadAggregate", err)
	}

	return agg, nil
}

// GetState returns the stored state of a student or nil.
func (r *ProgressStore) GetState(ctx context.Context, studentID string) (*progress.StudentProgressState, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	state, err := r.getState(ctx, r.conn, studentID)
	if err != nil {
		return nil, classify("GetState", err)
	}
	return state, nil
}

// ListUnlocks returns the unlocks of a student in unlock order.
func (r *ProgressStore) ListUnlocks(ctx context.Context, studentID string) ([]achievement.Unlock, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	unlocks, err := r.listUnlocks(ctx, r.conn, studentID)
	if err != nil {
		return nil, classify("ListUnlocks", err)
	}
	return unlocks, nil
}

// ListHistory returns the most recent skill history entries of a student.
func (r *ProgressStore) ListHistory(ctx context.Context, studentID string, limit int) ([]progress.SkillHistoryEntry, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, student_id, sport, level_before, level_after, progress_percent, skills_learned, recorded_at
		FROM skill_history
		WHERE student_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`

	rows, err := r.conn.Query(ctx, query, studentID, limit)
	if err != nil {
		return nil, classify("ListHistory", err)
	}
	defer rows.Close()

	var entries []progress.SkillHistoryEntry
	for rows.Next() {
		var e progress.SkillHistoryEntry
		var sport, before, after string

		if err := rows.Scan(&e.ID, &e.StudentID, &sport, &before, &after, &e.ProgressPercent, &e.SkillsLearned, &e.RecordedAt); err != nil {
			return nil, classify("ListHistory", fmt.Errorf("failed to scan history entry: %w", err))
		}

		e.Sport = progress.Sport(sport)
		if e.LevelBefore, err = progress.ParseLevel(before); err != nil {
			return nil, err
		}
		if e.LevelAfter, err = progress.ParseLevel(after); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("ListHistory", err)
	}
	return entries, nil
}

func (r *ProgressStore) getState(ctx context.Context, q Querier, studentID string) (*progress.StudentProgressState, error) {
	query := `
		SELECT student_id, overall_level, total_lessons, completed_lessons, skill_state,
			   streak_days, total_points, last_activity, last_updated, version
		FROM student_progress
		WHERE student_id = $1
	`

	var (
		s            progress.StudentProgressState
		level        string
		skillJSON    []byte
		lastActivity *time.Time
	)

	err := q.QueryRow(ctx, query, studentID).Scan(
		&s.StudentID,
		&level,
		&s.TotalLessons,
		&s.CompletedLessons,
		&skillJSON,
		&s.StreakDays,
		&s.TotalPoints,
		&lastActivity,
		&s.LastUpdated,
		&s.Version,
	)
	if IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan progress state: %w", err)
	}

	if s.OverallLevel, err = progress.ParseLevel(level); err != nil {
		return nil, err
	}

	s.SkillState = make(map[progress.Sport]progress.SkillState)
	if len(skillJSON) > 0 {
		if err := json.Unmarshal(skillJSON, &s.SkillState); err != nil {
			return nil, fmt.Errorf("failed to decode skill state: %w", err)
		}
	}
	if lastActivity != nil {
		s.LastActivity = *lastActivity
	}

	return &s, nil
}

func (r *ProgressStore) listUnlocks(ctx context.Context, q Querier, studentID string) ([]achievement.Unlock, error) {
	query := `
		SELECT student_id, COALESCE(definition_id, ''), definition_name, description, icon,
			   category, points, unlocked_at
		FROM achievement_unlocks
		WHERE student_id = $1
		ORDER BY unlocked_at, id
	`

	rows, err := q.Query(ctx, query, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlocks: %w", err)
	}
	defer rows.Close()

	var unlocks []achievement.Unlock
	for rows.Next() {
		var u achievement.Unlock
		var category string

		if err := rows.Scan(&u.StudentID, &u.DefinitionID, &u.DefinitionName, &u.Description,
			&u.Icon, &category, &u.Points, &u.UnlockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan unlock: %w", err)
		}
		u.Category = achievement.Category(category)
		unlocks = append(unlocks, u)
	}

	return unlocks, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Commit
// ─────────────────────────────────────────────────────────────────────────────

// Commit writes state, history and unlocks in one transaction.
// A stale version or an already present unlock rolls everything back and
// reports evaluation.ErrConflict.
func (r *ProgressStore) Commit(ctx context.Context, req evaluation.CommitRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	err := r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		return r.commit(ctx, tx, req)
	})

	return classify("Commit", err)
}

func (r *ProgressStore) commit(ctx context.Context, tx pgx.Tx, req evaluation.CommitRequest) error {
	if err := r.writeState(ctx, tx, req); err != nil {
		return err
	}
	if err := r.appendHistory(ctx, tx, req.History); err != nil {
		return err
	}
	return r.insertUnlocks(ctx, tx, req.Unlocks)
}

func (r *ProgressStore) writeState(ctx context.Context, tx pgx.Tx, req evaluation.CommitRequest) error {
	s := req.State

	skillJSON, err := json.Marshal(s.SkillState)
	if err != nil {
		return fmt.Errorf("failed to marshal skill state: %w", err)
	}

	var lastActivity *time.Time
	if !s.LastActivity.IsZero() {
		lastActivity = &s.LastActivity
	}

	if req.ExpectedVersion == 0 {
		query := `
			INSERT INTO student_progress (
				student_id, overall_level, total_lessons, completed_lessons, skill_state,
				streak_days, total_points, last_activity, last_updated, version
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			ON CONFLICT (student_id) DO NOTHING
		`
		tag, err := tx.Exec(ctx, query,
			req.StudentID, s.OverallLevel.String(), s.TotalLessons, s.CompletedLessons, skillJSON,
			s.StreakDays, s.TotalPoints, lastActivity, s.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("failed to insert progress state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return evaluation.ErrConflict.Wrap(fmt.Errorf("progress of %q already exists", req.StudentID))
		}
		return nil
	}

	query := `
		UPDATE student_progress SET
			overall_level = $2,
			total_lessons = $3,
			completed_lessons = $4,
			skill_state = $5,
			streak_days = $6,
			total_points = $7,
			last_activity = $8,
			last_updated = $9,
			version = version + 1
		WHERE student_id = $1 AND version = $10
	`
	tag, err := tx.Exec(ctx, query,
		req.StudentID, s.OverallLevel.String(), s.TotalLessons, s.CompletedLessons, skillJSON,
		s.StreakDays, s.TotalPoints, lastActivity, s.LastUpdated, req.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update progress state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return evaluation.ErrConflict.Wrap(fmt.Errorf("expected version %d", req.ExpectedVersion))
	}
	return nil
}

func (r *ProgressStore) appendHistory(ctx context.Context, tx pgx.Tx, history []progress.SkillHistoryEntry) error {
	if len(history) == 0 {
		return nil
	}

	query := `
		INSERT INTO skill_history (id, student_id, sport, level_before, level_after, progress_percent, skills_learned, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	batch := &pgx.Batch{}
	for _, h := range history {
		skills := h.SkillsLearned
		if skills == nil {
			skills = []string{}
		}
		batch.Queue(query, h.ID, h.StudentID, string(h.Sport), h.LevelBefore.String(), h.LevelAfter.String(),
			h.ProgressPercent, skills, h.RecordedAt)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range history {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert skill history: %w", err)
		}
	}
	return results.Close()
}

// insertUnlocks refuses a definition already held either by ID or, for
// legacy rows without an ID, by display name.
func (r *ProgressStore) insertUnlocks(ctx context.Context, tx pgx.Tx, unlocks []achievement.Unlock) error {
	query := `
		INSERT INTO achievement_unlocks (
			student_id, definition_id, definition_name, description, icon, category, points, unlocked_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM achievement_unlocks
			WHERE student_id = $1 AND definition_id IS NULL AND definition_name = $3
		)
		ON CONFLICT DO NOTHING
	`

	for _, u := range unlocks {
		tag, err := tx.Exec(ctx, query,
			u.StudentID, u.DefinitionID, u.DefinitionName, u.Description, u.Icon,
			string(u.Category), u.Points, u.UnlockedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert unlock %q: %w", u.DefinitionID, err)
		}
		if tag.RowsAffected() == 0 {
			return evaluation.ErrConflict.Wrap(fmt.Errorf("achievement %q already unlocked", u.DefinitionID))
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Legacy reconciliation
// ─────────────────────────────────────────────────────────────────────────────

// ReconcileLegacyUnlocks backfills definition_id on rows that only carry a
// display name, using the current catalog. Rows whose name no longer matches
// any definition are left untouched and counted as unmatched.
func (r *ProgressStore) ReconcileLegacyUnlocks(ctx context.Context, catalog *achievement.Catalog) (updated, unmatched int, err error) {
	byName := make(map[string]string, catalog.Len())
	for _, def := range catalog.Definitions() {
		byName[def.DisplayName] = def.ID
	}

	err = r.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		var txErr error
		updated, unmatched, txErr = reconcileLegacy(ctx, tx, byName)
		return txErr
	})
	if err != nil {
		return 0, 0, classify("ReconcileLegacyUnlocks", err)
	}
	return updated, unmatched, nil
}

// reconcileLegacy links legacy unlock rows to catalog IDs by display name.
func reconcileLegacy(ctx context.Context, tx pgx.Tx, byName map[string]string) (updated, unmatched int, err error) {
	rows, err := tx.Query(ctx, `
		SELECT id, student_id, definition_name
		FROM achievement_unlocks
		WHERE definition_id IS NULL
		FOR UPDATE
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query legacy unlocks: %w", err)
	}

	type legacyRow struct {
		id        int64
		studentID string
		name      string
	}
	var legacy []legacyRow
	for rows.Next() {
		var row legacyRow
		if err := rows.Scan(&row.id, &row.studentID, &row.name); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan legacy unlock: %w", err)
		}
		legacy = append(legacy, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, row := range legacy {
		defID, ok := byName[row.name]
		if !ok {
			unmatched++
			continue
		}

		// A student may already hold the same definition under its ID;
		// the legacy duplicate is then dropped.
		tag, err := tx.Exec(ctx, `
			UPDATE achievement_unlocks SET definition_id = $2
			WHERE id = $1 AND NOT EXISTS (
				SELECT 1 FROM achievement_unlocks WHERE student_id = $3 AND definition_id = $2
			)
		`, row.id, defID, row.studentID)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to reconcile unlock %d: %w", row.id, err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM achievement_unlocks WHERE id = $1`, row.id); err != nil {
				return 0, 0, fmt.Errorf("failed to drop duplicate unlock %d: %w", row.id, err)
			}
		}
		updated++
	}
	return updated, unmatched, nil
}
