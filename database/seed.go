package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"

	"github.com/cie-platform/expert-portal/log"
)

// SeedFile is the reference-data format accepted by SeedReferences:
// the commission's clusters with their chapters, plus the flat list of
// criteria. Natural keys (cluster code, chapter number, criterion code)
// drive the upsert, so re-seeding updates names in place.
type SeedFile struct {
	Clusters []SeedCluster   `json:"clusters"`
	Criteria []SeedCriterion `json:"criteria"`
}

type SeedCluster struct {
	Code        int           `json:"code"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	SortOrder   int           `json:"sortOrder"`
	Chapters    []SeedChapter `json:"chapters"`
}

type SeedChapter struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
}

type SeedCriterion struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// SeedReferences loads clusters, chapters and criteria from a JSON file
// into the reference tables. Idempotent.
func SeedReferences(ctx context.Context, db *sql.DB, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	seed := SeedFile{}
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("seed file %s: %w", path, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, cluster := range seed.Clusters {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cluster (code, name, description, sort_order)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (code) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				sort_order = excluded.sort_order`,
			cluster.Code, cluster.Name, cluster.Description, cluster.SortOrder,
		)
		if err != nil {
			return err
		}

		var clusterId int64
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM cluster WHERE code = ?`,
			cluster.Code,
		).Scan(&clusterId)
		if err != nil {
			return err
		}

		for _, chapter := range cluster.Chapters {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO chapter (number, name, cluster_id)
				VALUES (?, ?, ?)
				ON CONFLICT (number) DO UPDATE SET
					name = excluded.name,
					cluster_id = excluded.cluster_id`,
				chapter.Number, chapter.Name, clusterId,
			)
			if err != nil {
				return err
			}
		}
	}

	for _, criterion := range seed.Criteria {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO criterion (code, name)
			VALUES (?, ?)
			ON CONFLICT (code) DO UPDATE SET name = excluded.name`,
			criterion.Code, criterion.Name,
		)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Infof("database.seed: %d clusters, %d criteria from %s",
		len(seed.Clusters), len(seed.Criteria), path)
	return nil
}

// EnsureAdmin creates an active staff account if no user with that
// username exists. An existing user is left untouched, password
// included.
func EnsureAdmin(ctx context.Context, db *sql.DB, username, password string) error {
	var id int64
	err := db.QueryRowContext(ctx, `
		SELECT id FROM user WHERE username = ?`,
		username,
	).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO user (username, email, password_hash, is_staff, is_active)
		VALUES (?, '', ?, 1, 1)`,
		username, string(hash),
	)
	if err != nil {
		return err
	}
	log.Infof("database.seed: created admin account %s", username)
	return nil
}
