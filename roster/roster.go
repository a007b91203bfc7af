// Package roster owns expert profiles and their chapter/criterion
// allocations. Every mutation of an allocation goes through here, so the
// pre-mutation freeze of closed questionnaires cannot be bypassed: the
// affected scopes are snapshotted before any membership row changes,
// inside the caller's transaction.
package roster

import (
	"context"
	"database/sql"

	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/stats"
)

type Roster struct {
	Stats *stats.Stats
}

func New(st *stats.Stats) *Roster {
	return &Roster{Stats: st}
}

// GetOrCreateProfile returns the expert profile for a user, creating an
// empty one if the user never had one. No hidden side effects besides
// the explicit insert.
func GetOrCreateProfile(ctx context.Context, q stats.Querier, userID int64) (model.ExpertProfile, error) {
	profile, err := findProfile(ctx, q, userID)
	if err == nil {
		return profile, nil
	}
	if err != sql.ErrNoRows {
		return model.ExpertProfile{}, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO expert_profile (user_id) VALUES (?)`,
		userID,
	)
	if err != nil {
		return model.ExpertProfile{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ExpertProfile{}, err
	}
	return model.ExpertProfile{ID: id, UserID: userID}, nil
}

func findProfile(ctx context.Context, q stats.Querier, userID int64) (model.ExpertProfile, error) {
	profile := model.ExpertProfile{}
	err := q.QueryRowContext(ctx, `
		SELECT id, user_id, phone, organization, position, expertise_summary, archived
		FROM expert_profile
		WHERE user_id = ?`,
		userID,
	).Scan(
		&profile.ID, &profile.UserID, &profile.Phone, &profile.Organization,
		&profile.Position, &profile.ExpertiseSummary, &profile.Archived,
	)
	return profile, err
}

// ChapterIDs lists the chapters currently allocated to a profile.
func ChapterIDs(ctx context.Context, q stats.Querier, profileID int64) ([]int64, error) {
	return queryIDs(ctx, q, `
		SELECT chapter_id FROM expert_profile_chapter
		WHERE profile_id = ? ORDER BY chapter_id`,
		profileID,
	)
}

// CriterionIDs lists the criteria currently allocated to a profile.
func CriterionIDs(ctx context.Context, q stats.Querier, profileID int64) ([]int64, error) {
	return queryIDs(ctx, q, `
		SELECT criterion_id FROM expert_profile_criterion
		WHERE profile_id = ? ORDER BY criterion_id`,
		profileID,
	)
}

func queryIDs(ctx context.Context, q stats.Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetChapters replaces a profile's chapter allocation. Closed
// questionnaires of every chapter entering or leaving the set are
// frozen first, so their rates keep the roster as it was before the
// edit.
func (r *Roster) SetChapters(ctx context.Context, tx stats.Querier, profileID int64, chapterIDs []int64) error {
	current, err := ChapterIDs(ctx, tx, profileID)
	if err != nil {
		return err
	}

	next := dedupe(chapterIDs)
	if err := r.Stats.FreezeClosedForChapters(ctx, tx, symmetricDiff(current, next)); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM expert_profile_chapter WHERE profile_id = ?`,
		profileID,
	)
	if err != nil {
		return err
	}
	for _, chapterID := range next {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO expert_profile_chapter (profile_id, chapter_id) VALUES (?, ?)`,
			profileID, chapterID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetCriteria is the criterion counterpart of SetChapters.
func (r *Roster) SetCriteria(ctx context.Context, tx stats.Querier, profileID int64, criterionIDs []int64) error {
	current, err := CriterionIDs(ctx, tx, profileID)
	if err != nil {
		return err
	}

	next := dedupe(criterionIDs)
	if err := r.Stats.FreezeClosedForCriteria(ctx, tx, symmetricDiff(current, next)); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM expert_profile_criterion WHERE profile_id = ?`,
		profileID,
	)
	if err != nil {
		return err
	}
	for _, criterionID := range next {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO expert_profile_criterion (profile_id, criterion_id) VALUES (?, ?)`,
			profileID, criterionID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// ClearAllocations removes every chapter and criterion allocation of a
// profile. The scopes to freeze are the memberships before the clear.
func (r *Roster) ClearAllocations(ctx context.Context, tx stats.Querier, profileID int64) error {
	if err := r.SetChapters(ctx, tx, profileID, nil); err != nil {
		return err
	}
	return r.SetCriteria(ctx, tx, profileID, nil)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// symmetricDiff returns the ids present in exactly one of the two sets:
// the chapters/criteria actually being added or removed.
func symmetricDiff(a, b []int64) []int64 {
	inA := make(map[int64]bool, len(a))
	for _, id := range a {
		inA[id] = true
	}
	inB := make(map[int64]bool, len(b))
	for _, id := range b {
		inB[id] = true
	}

	var diff []int64
	for _, id := range a {
		if !inB[id] {
			diff = append(diff, id)
		}
	}
	for _, id := range b {
		if !inA[id] {
			diff = append(diff, id)
		}
	}
	return diff
}
