package postgres

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_collaborator_tables",
			UpSQL:   migration001Up,
		},
		{
			Version: 2,
			Name:    "create_student_progress",
			UpSQL:   migration002Up,
		},
		{
			Version: 3,
			Name:    "create_achievement_unlocks",
			UpSQL:   migration003Up,
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: COLLABORATOR TABLES
// ══════════════════════════════════════════════════════════════════════════════

// Students, lessons and feedback are written by the booking and instructor
// services. The engine only reads them; the tables are created here so a
// standalone deployment has a schema to read from.
const migration001Up = `
CREATE TABLE IF NOT EXISTS students (
    id TEXT PRIMARY KEY,
    display_name VARCHAR(100) NOT NULL DEFAULT '',
    avatar_url TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lessons (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    sport VARCHAR(20) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'scheduled',
    lesson_date TIMESTAMP WITH TIME ZONE NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_lessons_student_status ON lessons(student_id, status);

CREATE TABLE IF NOT EXISTS lesson_feedback (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
    instructor_id TEXT NOT NULL DEFAULT '',
    lesson_id TEXT NOT NULL REFERENCES lessons(id) ON DELETE CASCADE,
    sport VARCHAR(20) NOT NULL,
    performance JSONB NOT NULL DEFAULT '{}'::jsonb,
    skill_assessment JSONB NOT NULL DEFAULT '{}'::jsonb,
    strengths TEXT[] NOT NULL DEFAULT '{}',
    areas_for_improvement TEXT[] NOT NULL DEFAULT '{}',
    progress_update JSONB NOT NULL DEFAULT '{}'::jsonb,
    submitted_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_lesson_feedback_student ON lesson_feedback(student_id, submitted_at);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: STUDENT PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS student_progress (
    student_id TEXT PRIMARY KEY,
    overall_level VARCHAR(30) NOT NULL DEFAULT 'first_time',
    total_lessons INTEGER NOT NULL DEFAULT 0,
    completed_lessons INTEGER NOT NULL DEFAULT 0,
    skill_state JSONB NOT NULL DEFAULT '{}'::jsonb,
    streak_days INTEGER NOT NULL DEFAULT 0,
    total_points INTEGER NOT NULL DEFAULT 0,
    last_activity TIMESTAMP WITH TIME ZONE,
    last_updated TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    version BIGINT NOT NULL DEFAULT 1,

    CONSTRAINT valid_overall_level CHECK (overall_level IN (
        'first_time', 'developing_turns', 'linking_turns', 'confident_turns', 'consistent_blue'
    )),
    CONSTRAINT valid_lesson_counts CHECK (completed_lessons >= 0 AND completed_lessons <= total_lessons),
    CONSTRAINT valid_streak CHECK (streak_days >= 0),
    CONSTRAINT valid_points CHECK (total_points >= 0)
);

CREATE TABLE IF NOT EXISTS skill_history (
    id TEXT PRIMARY KEY,
    student_id TEXT NOT NULL,
    sport VARCHAR(20) NOT NULL,
    level_before VARCHAR(30) NOT NULL,
    level_after VARCHAR(30) NOT NULL,
    progress_percent INTEGER NOT NULL,
    skills_learned TEXT[] NOT NULL DEFAULT '{}',
    recorded_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_progress_percent CHECK (progress_percent BETWEEN 0 AND 100)
);

CREATE INDEX IF NOT EXISTS idx_skill_history_student ON skill_history(student_id, recorded_at DESC);
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: ACHIEVEMENT UNLOCKS
// ══════════════════════════════════════════════════════════════════════════════

// definition_id is nullable: rows written before stable identifiers existed
// carry only the display name. NULLs never collide in the unique constraint,
// so legacy rows are guarded by a partial index on the name instead.
const migration003Up = `
CREATE TABLE IF NOT EXISTS achievement_unlocks (
    id BIGSERIAL PRIMARY KEY,
    student_id TEXT NOT NULL,
    definition_id TEXT,
    definition_name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    icon TEXT NOT NULL DEFAULT '',
    category VARCHAR(20) NOT NULL DEFAULT '',
    points INTEGER NOT NULL DEFAULT 0,
    unlocked_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT uq_achievement_unlocks_definition UNIQUE (student_id, definition_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_achievement_unlocks_legacy_name
    ON achievement_unlocks(student_id, definition_name)
    WHERE definition_id IS NULL;

CREATE INDEX IF NOT EXISTS idx_achievement_unlocks_student ON achievement_unlocks(student_id, unlocked_at);
`
