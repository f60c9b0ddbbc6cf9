package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/snowtrack/progress-engine/internal/domain/progress"
)

// Compile-time interface checks.
var (
	_ progress.LessonSource     = (*SourceRepository)(nil)
	_ progress.FeedbackSource   = (*SourceRepository)(nil)
	_ progress.StudentDirectory = (*SourceRepository)(nil)
)

// SourceRepository reads the collaborator-owned tables: students, lessons
// and lesson feedback.
type SourceRepository struct {
	conn *Connection
}

// NewSourceRepository creates a new SourceRepository.
func NewSourceRepository(conn *Connection) *SourceRepository {
	return &SourceRepository{conn: conn}
}

// StudentExists implements progress.StudentDirectory.
func (r *SourceRepository) StudentExists(ctx context.Context, studentID string) (bool, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var exists bool
	err := r.conn.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM students WHERE id = $1)`, studentID).Scan(&exists)
	if err != nil {
		return false, classify("StudentExists", err)
	}
	return exists, nil
}

// AvatarURL returns the avatar URL stored on the student profile.
func (r *SourceRepository) AvatarURL(ctx context.Context, studentID string) (string, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var url string
	err := r.conn.QueryRow(ctx, `SELECT avatar_url FROM students WHERE id = $1`, studentID).Scan(&url)
	if IsNoRows(err) {
		return "", progress.ErrStudentNotFound.Wrap(fmt.Errorf("student %q", studentID))
	}
	if err != nil {
		return "", classify("AvatarURL", err)
	}
	return url, nil
}

// CompletedLessons implements progress.LessonSource.
func (r *SourceRepository) CompletedLessons(ctx context.Context, studentID string) ([]progress.CompletedLessonFact, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT student_id, id, lesson_date, status
		FROM lessons
		WHERE student_id = $1 AND status = $2
		ORDER BY lesson_date
	`

	rows, err := r.conn.Query(ctx, query, studentID, progress.LessonStatusCompleted)
	if err != nil {
		return nil, classify("CompletedLessons", err)
	}
	defer rows.Close()

	var lessons []progress.CompletedLessonFact
	for rows.Next() {
		var l progress.CompletedLessonFact
		if err := rows.Scan(&l.StudentID, &l.LessonID, &l.Date, &l.Status); err != nil {
			return nil, classify("CompletedLessons", fmt.Errorf("failed to scan lesson: %w", err))
		}
		lessons = append(lessons, l)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("CompletedLessons", err)
	}
	return lessons, nil
}

// FeedbackRecords implements progress.FeedbackSource.
func (r *SourceRepository) FeedbackRecords(ctx context.Context, studentID string) ([]progress.FeedbackRecord, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, student_id, instructor_id, lesson_id, sport, performance, skill_assessment,
			   strengths, areas_for_improvement, progress_update, submitted_at
		FROM lesson_feedback
		WHERE student_id = $1
		ORDER BY submitted_at, id
	`

	rows, err := r.conn.Query(ctx, query, studentID)
	if err != nil {
		return nil, classify("FeedbackRecords", err)
	}
	defer rows.Close()

	var records []progress.FeedbackRecord
	for rows.Next() {
		var f progress.FeedbackRecord
		var sport string
		var perfJSON, assessJSON, updateJSON []byte

		err := rows.Scan(
			&f.ID,
			&f.StudentID,
			&f.InstructorID,
			&f.LessonID,
			&sport,
			&perfJSON,
			&assessJSON,
			&f.Strengths,
			&f.AreasForImprovement,
			&updateJSON,
			&f.SubmittedAt,
		)
		if err != nil {
			return nil, classify("FeedbackRecords", fmt.Errorf("failed to scan feedback: %w", err))
		}
		f.Sport = progress.Sport(sport)

		// Malformed JSON is surfaced as a validation failure by the caller,
		// not as a storage outage.
		if err := decodeJSON(perfJSON, &f.Performance); err != nil {
			return nil, progress.ErrInvalidFeedback.Wrap(fmt.Errorf("feedback %q performance: %w", f.ID, err))
		}
		if err := decodeJSON(assessJSON, &f.SkillAssessment); err != nil {
			return nil, progress.ErrInvalidFeedback.Wrap(fmt.Errorf("feedback %q skill assessment: %w", f.ID, err))
		}
		if err := decodeJSON(updateJSON, &f.ProgressUpdate); err != nil {
			return nil, progress.ErrInvalidFeedback.Wrap(fmt.Errorf("feedback %q progress update: %w", f.ID, err))
		}

		records = append(records, f)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("FeedbackRecords", err)
	}
	return records, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
