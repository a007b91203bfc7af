package database

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("foreign keys: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "references.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func count(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSeedReferences(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	path := writeSeedFile(t, `{
		"clusters": [
			{"code": 1, "name": "Fundamentals", "sortOrder": 1, "chapters": [
				{"number": 23, "name": "Judiciary"},
				{"number": 24, "name": "Justice and home affairs"}
			]}
		],
		"criteria": [
			{"code": "A1", "name": "Independence"},
			{"code": "A2", "name": "Accountability"}
		]
	}`)

	if err := SeedReferences(ctx, db, path); err != nil {
		t.Fatalf("SeedReferences: %v", err)
	}

	if n := count(t, db, `SELECT COUNT(*) FROM cluster`); n != 1 {
		t.Errorf("clusters = %d, want 1", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM chapter`); n != 2 {
		t.Errorf("chapters = %d, want 2", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM criterion`); n != 2 {
		t.Errorf("criteria = %d, want 2", n)
	}

	var clusterId int64
	var name string
	err := db.QueryRow(`
		SELECT c.name, ch.cluster_id
		FROM chapter ch INNER JOIN cluster c ON (c.id = ch.cluster_id)
		WHERE ch.number = 23`).Scan(&name, &clusterId)
	if err != nil {
		t.Fatal(err)
	}
	if name != "Fundamentals" {
		t.Errorf("chapter 23 cluster = %q, want Fundamentals", name)
	}
}

func TestSeedReferencesIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := writeSeedFile(t, `{
		"clusters": [{"code": 1, "name": "Old name", "chapters": [{"number": 23, "name": "Judiciary"}]}],
		"criteria": [{"code": "A1", "name": "Independence"}]
	}`)
	if err := SeedReferences(ctx, db, first); err != nil {
		t.Fatalf("first seed: %v", err)
	}

	second := writeSeedFile(t, `{
		"clusters": [{"code": 1, "name": "New name", "chapters": [{"number": 23, "name": "Judiciary"}]}],
		"criteria": [{"code": "A1", "name": "Independence"}]
	}`)
	if err := SeedReferences(ctx, db, second); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	if n := count(t, db, `SELECT COUNT(*) FROM cluster`); n != 1 {
		t.Errorf("clusters = %d, want 1 after re-seed", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM chapter`); n != 1 {
		t.Errorf("chapters = %d, want 1 after re-seed", n)
	}

	var name string
	if err := db.QueryRow(`SELECT name FROM cluster WHERE code = 1`).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "New name" {
		t.Errorf("cluster name = %q, want updated in place", name)
	}
}

func TestEnsureAdmin(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := EnsureAdmin(ctx, db, "admin", "first-secret"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}

	var hash string
	var isStaff, isActive bool
	err := db.QueryRow(`
		SELECT password_hash, is_staff, is_active FROM user WHERE username = 'admin'`,
	).Scan(&hash, &isStaff, &isActive)
	if err != nil {
		t.Fatal(err)
	}
	if !isStaff || !isActive {
		t.Errorf("is_staff=%v is_active=%v, want both true", isStaff, isActive)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("first-secret")) != nil {
		t.Error("stored hash does not match the given password")
	}

	// a second call never touches the existing account
	if err := EnsureAdmin(ctx, db, "admin", "other-secret"); err != nil {
		t.Fatalf("second EnsureAdmin: %v", err)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM user WHERE username = 'admin'`); n != 1 {
		t.Errorf("admin rows = %d, want 1", n)
	}
	var after string
	if err := db.QueryRow(`SELECT password_hash FROM user WHERE username = 'admin'`).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if after != hash {
		t.Error("existing password overwritten")
	}
}
