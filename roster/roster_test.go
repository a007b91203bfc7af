package roster

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/cie-platform/expert-portal/clock"
	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/scope"
	"github.com/cie-platform/expert-portal/stats"
	"github.com/cie-platform/expert-portal/testutil"
)

var (
	deadline  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	afterward = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func newRoster() *Roster {
	return New(stats.New(clock.Fixed{T: afterward}))
}

func inTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestGetOrCreateProfile(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	userID := testutil.CreateStaff(t, db, "new@x") // staff fixture has no profile row

	first, err := GetOrCreateProfile(ctx, db, userID)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.ID == 0 || first.UserID != userID {
		t.Errorf("profile = %+v", first)
	}

	second, err := GetOrCreateProfile(ctx, db, userID)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second call created a new profile: %d != %d", second.ID, first.ID)
	}
	if n := testutil.CountRows(t, db, "expert_profile", "user_id = ?", userID); n != 1 {
		t.Errorf("profile rows = %d, want 1", n)
	}
}

// Removing an expert from a chapter must not change the reported
// rate of a closed questionnaire scoped to that chapter. The snapshot
// is taken before the membership row disappears.
func TestRemovalFreezesClosedQuestionnaireFirst(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	r := newRoster()

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", deadline)
	testutil.LinkChapter(t, db, questionnaire, chapter)

	var experts []int64
	for _, email := range []string{"e1@x", "e2@x", "e3@x"} {
		id := testutil.CreateExpert(t, db, email)
		testutil.AllocateChapter(t, db, id, chapter)
		experts = append(experts, id)
	}
	testutil.CreateSubmission(t, db, questionnaire, experts[0], model.SubmissionSent)
	testutil.CreateSubmission(t, db, questionnaire, experts[1], model.SubmissionSent)

	// nobody has read the rate yet; the allocation edit itself must
	// trigger the freeze
	profileID := testutil.ProfileID(t, db, experts[2])
	inTx(t, db, func(tx *sql.Tx) error {
		return r.SetChapters(ctx, tx, profileID, nil)
	})

	rate, err := r.Stats.RateAndCounts(ctx, db,
		model.Questionnaire{ID: questionnaire, Deadline: deadline}, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("RateAndCounts: %v", err)
	}
	if rate.Eligible != 3 || rate.Responded != 2 || rate.Rate != 66.7 {
		t.Errorf("got eligible=%d responded=%d rate=%v, want frozen 3/2/66.7",
			rate.Eligible, rate.Responded, rate.Rate)
	}

	// the membership row itself is gone
	if n := testutil.CountRows(t, db, "expert_profile_chapter", "profile_id = ?", profileID); n != 0 {
		t.Errorf("membership rows = %d, want 0 after removal", n)
	}
}

// Adding an expert to a chapter freezes its closed questionnaires too:
// the newcomer must not appear in historical denominators.
func TestAdditionFreezesClosedQuestionnaireFirst(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	r := newRoster()

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", deadline)
	testutil.LinkChapter(t, db, questionnaire, chapter)

	veteran := testutil.CreateExpert(t, db, "veteran@x")
	testutil.AllocateChapter(t, db, veteran, chapter)
	testutil.CreateSubmission(t, db, questionnaire, veteran, model.SubmissionSent)

	newcomer := testutil.CreateExpert(t, db, "new@x")
	profileID := testutil.ProfileID(t, db, newcomer)
	inTx(t, db, func(tx *sql.Tx) error {
		return r.SetChapters(ctx, tx, profileID, []int64{chapter})
	})

	rate, err := r.Stats.RateAndCounts(ctx, db,
		model.Questionnaire{ID: questionnaire, Deadline: deadline}, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("RateAndCounts: %v", err)
	}
	if rate.Eligible != 1 || rate.Responded != 1 || rate.Rate != 100.0 {
		t.Errorf("got eligible=%d responded=%d rate=%v, want frozen 1/1/100.0",
			rate.Eligible, rate.Responded, rate.Rate)
	}
}

// Unchanged chapters are not frozen by an edit that keeps them in the
// set: their rates stay live until their own membership actually moves.
func TestUnchangedChaptersNotFrozen(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	r := newRoster()

	kept := testutil.CreateChapter(t, db, 1, "Kept")
	dropped := testutil.CreateChapter(t, db, 2, "Dropped")
	keptQ := testutil.CreateQuestionnaire(t, db, "KeptQ", deadline)
	droppedQ := testutil.CreateQuestionnaire(t, db, "DroppedQ", deadline)
	testutil.LinkChapter(t, db, keptQ, kept)
	testutil.LinkChapter(t, db, droppedQ, dropped)

	expert := testutil.CreateExpert(t, db, "e@x")
	testutil.AllocateChapter(t, db, expert, kept)
	testutil.AllocateChapter(t, db, expert, dropped)

	profileID := testutil.ProfileID(t, db, expert)
	inTx(t, db, func(tx *sql.Tx) error {
		return r.SetChapters(ctx, tx, profileID, []int64{kept})
	})

	if n := testutil.CountRows(t, db, "scope_snapshot", "questionnaire_id = ?", droppedQ); n != 1 {
		t.Errorf("dropped chapter snapshots = %d, want 1", n)
	}
	if n := testutil.CountRows(t, db, "scope_snapshot", "questionnaire_id = ?", keptQ); n != 0 {
		t.Errorf("kept chapter snapshots = %d, want 0", n)
	}
}

// A full clear freezes the memberships as they were before the clear,
// across both dimensions.
func TestClearAllocations(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	r := newRoster()

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	criterion := testutil.CreateCriterion(t, db, "CR1", "Rule of law")
	chapterQ := testutil.CreateQuestionnaire(t, db, "ChapterQ", deadline)
	criterionQ := testutil.CreateQuestionnaire(t, db, "CriterionQ", deadline)
	testutil.LinkChapter(t, db, chapterQ, chapter)
	testutil.LinkCriterion(t, db, criterionQ, criterion)

	expert := testutil.CreateExpert(t, db, "e@x")
	testutil.AllocateChapter(t, db, expert, chapter)
	testutil.AllocateCriterion(t, db, expert, criterion)
	testutil.CreateSubmission(t, db, chapterQ, expert, model.SubmissionSent)

	profileID := testutil.ProfileID(t, db, expert)
	inTx(t, db, func(tx *sql.Tx) error {
		return r.ClearAllocations(ctx, tx, profileID)
	})

	chSnap, err := r.Stats.EnsureSnapshot(ctx, db,
		model.Questionnaire{ID: chapterQ, Deadline: deadline}, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("chapter snapshot: %v", err)
	}
	if chSnap.EligibleCount != 1 || chSnap.RespondedCount != 1 {
		t.Errorf("chapter counts = %d/%d, want pre-clear 1/1", chSnap.EligibleCount, chSnap.RespondedCount)
	}

	crSnap, err := r.Stats.EnsureSnapshot(ctx, db,
		model.Questionnaire{ID: criterionQ, Deadline: deadline}, scope.ForCriterion(criterion))
	if err != nil {
		t.Fatalf("criterion snapshot: %v", err)
	}
	if crSnap.EligibleCount != 1 {
		t.Errorf("criterion eligible = %d, want pre-clear 1", crSnap.EligibleCount)
	}

	chapters, err := ChapterIDs(ctx, db, profileID)
	if err != nil {
		t.Fatal(err)
	}
	criteria, err := CriterionIDs(ctx, db, profileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chapters) != 0 || len(criteria) != 0 {
		t.Errorf("allocations = %v / %v, want both cleared", chapters, criteria)
	}
}

func TestSetChaptersDeduplicates(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	r := newRoster()

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	expert := testutil.CreateExpert(t, db, "e@x")
	profileID := testutil.ProfileID(t, db, expert)

	inTx(t, db, func(tx *sql.Tx) error {
		return r.SetChapters(ctx, tx, profileID, []int64{chapter, chapter, chapter})
	})

	if n := testutil.CountRows(t, db, "expert_profile_chapter", "profile_id = ?", profileID); n != 1 {
		t.Errorf("membership rows = %d, want 1", n)
	}
}
