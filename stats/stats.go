// Package stats computes questionnaire response rates per scope and
// freezes them once a questionnaire is past its deadline.
//
// An open questionnaire is always computed live: adding an expert to a
// chapter immediately moves that chapter's denominator. A closed
// questionnaire reads from a write-once scope_snapshot row, created
// lazily on first read or proactively before an allocation edit, so
// that later roster changes never rewrite historical rates.
package stats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cie-platform/expert-portal/clock"
	"github.com/cie-platform/expert-portal/log"
	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/scope"
)

// Querier is satisfied by *sql.DB and *sql.Tx, so snapshot creation can
// run inside the transaction that is about to edit an allocation.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Counts struct {
	Eligible     int
	Responded    int
	ResponderIDs []int64
}

type RateAndCounts struct {
	Eligible     int     `json:"eligibleCount"`
	Responded    int     `json:"respondedCount"`
	Rate         float64 `json:"ratePercent"`
	ResponderIDs []int64 `json:"responderIds"`
	Frozen       bool    `json:"frozen"`
}

type Stats struct {
	Clock clock.Clock
}

func New(clk clock.Clock) *Stats {
	return &Stats{Clock: clk}
}

// Rate is the percentage of responded over eligible, rounded to one
// decimal. Zero eligible experts is a 0.0 rate, never an error.
func Rate(responded, eligible int) float64 {
	if eligible == 0 {
		return 0.0
	}
	return math.Round(float64(responded)/float64(eligible)*1000) / 10
}

// EligibleExpertIDs returns the ids of active, non-staff users whose
// profile allocation matches the scope. Pure read.
func (s *Stats) EligibleExpertIDs(ctx context.Context, q Querier, sc scope.Scope) ([]int64, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}

	var rows *sql.Rows
	var err error
	switch sc.Kind {
	case scope.Chapter:
		rows, err = q.QueryContext(ctx, `
			SELECT DISTINCT u.id
			FROM user u
			INNER JOIN expert_profile p ON (p.user_id = u.id)
			INNER JOIN expert_profile_chapter pc ON (pc.profile_id = p.id)
			WHERE u.is_staff = 0 AND u.is_active = 1
				AND pc.chapter_id = ?`,
			sc.ChapterID,
		)
	case scope.Criterion:
		rows, err = q.QueryContext(ctx, `
			SELECT DISTINCT u.id
			FROM user u
			INNER JOIN expert_profile p ON (p.user_id = u.id)
			INNER JOIN expert_profile_criterion pc ON (pc.profile_id = p.id)
			WHERE u.is_staff = 0 AND u.is_active = 1
				AND pc.criterion_id = ?`,
			sc.CriterionID,
		)
	default:
		rows, err = q.QueryContext(ctx, `
			SELECT u.id
			FROM user u
			WHERE u.is_staff = 0 AND u.is_active = 1`)
	}
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

// ComputeLive counts the eligible experts for the scope and, among them,
// the distinct experts with a SENT submission for the questionnaire.
// Draft submissions never count here; the looser "has typed anything"
// dashboard metric lives with the UI, not with this engine.
func (s *Stats) ComputeLive(ctx context.Context, q Querier, questionnaireID int64, sc scope.Scope) (Counts, error) {
	eligible, err := s.EligibleExpertIDs(ctx, q, sc)
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{Eligible: len(eligible), ResponderIDs: []int64{}}
	if len(eligible) == 0 {
		return counts, nil
	}

	inScope := make(map[int64]bool, len(eligible))
	for _, id := range eligible {
		inScope[id] = true
	}

	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT expert_id
		FROM submission
		WHERE questionnaire_id = ? AND status = ?`,
		questionnaireID, model.SubmissionSent,
	)
	if err != nil {
		return Counts{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return Counts{}, err
		}
		if inScope[id] {
			counts.ResponderIDs = append(counts.ResponderIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, err
	}

	counts.Responded = len(counts.ResponderIDs)
	return counts, nil
}

// EnsureSnapshot returns the frozen record for (questionnaire, scope),
// creating it from the current allocations if missing. Idempotent: once
// a row exists its values are returned untouched forever. Concurrent
// creators are serialized by the UNIQUE (questionnaire_id, scope_key)
// constraint; the loser re-reads and returns the winner's row.
func (s *Stats) EnsureSnapshot(ctx context.Context, q Querier, questionnaire model.Questionnaire, sc scope.Scope) (model.ScopeSnapshot, error) {
	key, err := sc.Key()
	if err != nil {
		return model.ScopeSnapshot{}, err
	}

	snap, err := s.findSnapshot(ctx, q, questionnaire.ID, key)
	if err == nil {
		return snap, nil
	}
	if err != sql.ErrNoRows {
		return model.ScopeSnapshot{}, err
	}

	counts, err := s.ComputeLive(ctx, q, questionnaire.ID, sc)
	if err != nil {
		return model.ScopeSnapshot{}, err
	}

	responderJson, err := json.Marshal(counts.ResponderIDs)
	if err != nil {
		return model.ScopeSnapshot{}, err
	}

	var chapterID, criterionID *int64
	if sc.Kind == scope.Chapter {
		chapterID = &sc.ChapterID
	}
	if sc.Kind == scope.Criterion {
		criterionID = &sc.CriterionID
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO scope_snapshot (
			questionnaire_id, scope, scope_key, chapter_id, criterion_id,
			frozen_for_deadline, frozen_at, eligible_count, responded_count, responder_ids
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (questionnaire_id, scope_key) DO NOTHING`,
		questionnaire.ID, sc.Kind, key, chapterID, criterionID,
		questionnaire.Deadline, s.Clock.Now(), counts.Eligible, counts.Responded, string(responderJson),
	)
	if err != nil {
		return model.ScopeSnapshot{}, err
	}

	log.Debugf("stats.freeze: questionnaire=%d scope=%s eligible=%d responded=%d",
		questionnaire.ID, key, counts.Eligible, counts.Responded)

	return s.findSnapshot(ctx, q, questionnaire.ID, key)
}

func (s *Stats) findSnapshot(ctx context.Context, q Querier, questionnaireID int64, scopeKey string) (model.ScopeSnapshot, error) {
	snap := model.ScopeSnapshot{}
	var responderJson string
	err := q.QueryRowContext(ctx, `
		SELECT
			id, questionnaire_id, scope, scope_key, chapter_id, criterion_id,
			frozen_for_deadline, frozen_at, eligible_count, responded_count, responder_ids
		FROM scope_snapshot
		WHERE questionnaire_id = ? AND scope_key = ?`,
		questionnaireID, scopeKey,
	).Scan(
		&snap.ID, &snap.QuestionnaireID, &snap.Scope, &snap.ScopeKey,
		&snap.ChapterID, &snap.CriterionID,
		&snap.FrozenForDeadline, &snap.FrozenAt,
		&snap.EligibleCount, &snap.RespondedCount, &responderJson,
	)
	if err != nil {
		return model.ScopeSnapshot{}, err
	}

	snap.ResponderIDs = []int64{}
	if responderJson != "" {
		if err := json.Unmarshal([]byte(responderJson), &snap.ResponderIDs); err != nil {
			return model.ScopeSnapshot{}, fmt.Errorf("scope_snapshot %d: bad responder_ids: %w", snap.ID, err)
		}
	}
	return snap, nil
}

// RateAndCounts is the entry point used by every dashboard. While the
// questionnaire is open the numbers are recomputed on each call and
// nothing is persisted; once closed, the first call freezes them.
func (s *Stats) RateAndCounts(ctx context.Context, q Querier, questionnaire model.Questionnaire, sc scope.Scope) (RateAndCounts, error) {
	if s.Clock.Now().After(questionnaire.Deadline) {
		snap, err := s.EnsureSnapshot(ctx, q, questionnaire, sc)
		if err != nil {
			return RateAndCounts{}, err
		}
		return RateAndCounts{
			Eligible:     snap.EligibleCount,
			Responded:    snap.RespondedCount,
			Rate:         Rate(snap.RespondedCount, snap.EligibleCount),
			ResponderIDs: snap.ResponderIDs,
			Frozen:       true,
		}, nil
	}

	counts, err := s.ComputeLive(ctx, q, questionnaire.ID, sc)
	if err != nil {
		return RateAndCounts{}, err
	}
	return RateAndCounts{
		Eligible:     counts.Eligible,
		Responded:    counts.Responded,
		Rate:         Rate(counts.Responded, counts.Eligible),
		ResponderIDs: counts.ResponderIDs,
	}, nil
}

// FreezeClosedForChapters makes sure every closed, non-archived
// questionnaire attached to one of the chapters has a CHAPTER snapshot.
// Callers must invoke it before the allocation edge is touched, in the
// same transaction, so the frozen numbers reflect the roster as it was.
func (s *Stats) FreezeClosedForChapters(ctx context.Context, q Querier, chapterIDs []int64) error {
	now := s.Clock.Now()
	for _, chapterID := range chapterIDs {
		closed, err := s.closedQuestionnaires(ctx, q, `
			SELECT q.id, q.deadline
			FROM questionnaire q
			INNER JOIN questionnaire_chapter qc ON (qc.questionnaire_id = q.id)
			WHERE qc.chapter_id = ? AND q.archived = 0`,
			chapterID, now,
		)
		if err != nil {
			return err
		}
		for _, questionnaire := range closed {
			if _, err := s.EnsureSnapshot(ctx, q, questionnaire, scope.ForChapter(chapterID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// FreezeClosedForCriteria is the criterion counterpart of
// FreezeClosedForChapters.
func (s *Stats) FreezeClosedForCriteria(ctx context.Context, q Querier, criterionIDs []int64) error {
	now := s.Clock.Now()
	for _, criterionID := range criterionIDs {
		closed, err := s.closedQuestionnaires(ctx, q, `
			SELECT q.id, q.deadline
			FROM questionnaire q
			INNER JOIN questionnaire_criterion qc ON (qc.questionnaire_id = q.id)
			WHERE qc.criterion_id = ? AND q.archived = 0`,
			criterionID, now,
		)
		if err != nil {
			return err
		}
		for _, questionnaire := range closed {
			if _, err := s.EnsureSnapshot(ctx, q, questionnaire, scope.ForCriterion(criterionID)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Stats) closedQuestionnaires(ctx context.Context, q Querier, query string, refID int64, now time.Time) ([]model.Questionnaire, error) {
	rows, err := q.QueryContext(ctx, query, refID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closed []model.Questionnaire
	for rows.Next() {
		questionnaire := model.Questionnaire{}
		if err := rows.Scan(&questionnaire.ID, &questionnaire.Deadline); err != nil {
			return nil, err
		}
		// deadline comparison in Go, the driver stores timestamps as text
		if now.After(questionnaire.Deadline) {
			closed = append(closed, questionnaire)
		}
	}
	return closed, rows.Err()
}
