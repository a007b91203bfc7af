// Package testutil spins up throwaway in-memory databases with the full
// schema and provides fixture builders for the entities most tests need.
package testutil

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cie-platform/expert-portal/database"
	"github.com/cie-platform/expert-portal/model"
)

// OpenDB returns a migrated in-memory SQLite database. A single
// connection is shared so every caller sees the same memory database.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func exec(t *testing.T, db *sql.DB, query string, args ...any) int64 {
	t.Helper()
	res, err := db.Exec(query, args...)
	if err != nil {
		t.Fatalf("fixture: %v\n%s", err, query)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("fixture id: %v", err)
	}
	return id
}

// CreateExpert inserts an active non-staff user with an empty profile
// and returns the user id.
func CreateExpert(t *testing.T, db *sql.DB, email string) int64 {
	t.Helper()
	userID := exec(t, db, `
		INSERT INTO user (username, email, password_hash, is_staff, is_active)
		VALUES (?, ?, 'x', 0, 1)`,
		email, email)
	exec(t, db, `INSERT INTO expert_profile (user_id) VALUES (?)`, userID)
	return userID
}

// CreateStaff inserts an active staff user (no profile).
func CreateStaff(t *testing.T, db *sql.DB, email string) int64 {
	t.Helper()
	return exec(t, db, `
		INSERT INTO user (username, email, password_hash, is_staff, is_active)
		VALUES (?, ?, 'x', 1, 1)`,
		email, email)
}

func CreateChapter(t *testing.T, db *sql.DB, number int, name string) int64 {
	t.Helper()
	return exec(t, db, `INSERT INTO chapter (number, name) VALUES (?, ?)`, number, name)
}

func CreateCriterion(t *testing.T, db *sql.DB, code, name string) int64 {
	t.Helper()
	return exec(t, db, `INSERT INTO criterion (code, name) VALUES (?, ?)`, code, name)
}

// ProfileID resolves the profile belonging to a user.
func ProfileID(t *testing.T, db *sql.DB, userID int64) int64 {
	t.Helper()
	var id int64
	err := db.QueryRow(`SELECT id FROM expert_profile WHERE user_id = ?`, userID).Scan(&id)
	if err != nil {
		t.Fatalf("fixture profile for user %d: %v", userID, err)
	}
	return id
}

func AllocateChapter(t *testing.T, db *sql.DB, userID, chapterID int64) {
	t.Helper()
	exec(t, db, `
		INSERT INTO expert_profile_chapter (profile_id, chapter_id) VALUES (?, ?)`,
		ProfileID(t, db, userID), chapterID)
}

func AllocateCriterion(t *testing.T, db *sql.DB, userID, criterionID int64) {
	t.Helper()
	exec(t, db, `
		INSERT INTO expert_profile_criterion (profile_id, criterion_id) VALUES (?, ?)`,
		ProfileID(t, db, userID), criterionID)
}

func CreateQuestionnaire(t *testing.T, db *sql.DB, title string, deadline time.Time) int64 {
	t.Helper()
	return exec(t, db, `
		INSERT INTO questionnaire (title, deadline, created_at) VALUES (?, ?, ?)`,
		title, deadline, deadline.Add(-30*24*time.Hour))
}

func LinkChapter(t *testing.T, db *sql.DB, questionnaireID, chapterID int64) {
	t.Helper()
	exec(t, db, `
		INSERT INTO questionnaire_chapter (questionnaire_id, chapter_id) VALUES (?, ?)`,
		questionnaireID, chapterID)
}

func LinkCriterion(t *testing.T, db *sql.DB, questionnaireID, criterionID int64) {
	t.Helper()
	exec(t, db, `
		INSERT INTO questionnaire_criterion (questionnaire_id, criterion_id) VALUES (?, ?)`,
		questionnaireID, criterionID)
}

func CreateQuestion(t *testing.T, db *sql.DB, questionnaireID int64, ord int, text string) int64 {
	t.Helper()
	return exec(t, db, `
		INSERT INTO question (questionnaire_id, ord, text) VALUES (?, ?, ?)`,
		questionnaireID, ord, text)
}

// CreateSubmission inserts a submission with the given status, stamping
// sent_at for SENT ones.
func CreateSubmission(t *testing.T, db *sql.DB, questionnaireID, expertID int64, status string) int64 {
	t.Helper()
	now := time.Now().UTC()
	if status == model.SubmissionSent {
		return exec(t, db, `
			INSERT INTO submission (questionnaire_id, expert_id, status, created_at, updated_at, sent_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			questionnaireID, expertID, status, now, now, now)
	}
	return exec(t, db, `
		INSERT INTO submission (questionnaire_id, expert_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		questionnaireID, expertID, status, now, now)
}

func CreateAnswer(t *testing.T, db *sql.DB, submissionID, questionID int64, text string) {
	t.Helper()
	exec(t, db, `
		INSERT INTO answer (submission_id, question_id, text) VALUES (?, ?, ?)`,
		submissionID, questionID, text)
}

// CountRows counts the rows of a table, optionally filtered.
func CountRows(t *testing.T, db *sql.DB, table, where string, args ...any) int {
	t.Helper()
	query := "SELECT COUNT(*) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
