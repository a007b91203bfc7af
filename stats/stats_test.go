package stats

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cie-platform/expert-portal/clock"
	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/scope"
	"github.com/cie-platform/expert-portal/testutil"
)

var (
	deadline  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	afterward = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func fixed(now time.Time) *Stats {
	return New(clock.Fixed{T: now})
}

func sorted(ids []int64) []int64 {
	out := append([]int64{}, ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestRate(t *testing.T) {
	tests := []struct {
		responded, eligible int
		want                float64
	}{
		{0, 0, 0.0},
		{0, 5, 0.0},
		{2, 4, 50.0},
		{2, 3, 66.7},
		{1, 3, 33.3},
		{3, 3, 100.0},
		{1, 16, 6.3}, // 6.25 rounds half up
	}

	for _, tt := range tests {
		if got := Rate(tt.responded, tt.eligible); got != tt.want {
			t.Errorf("Rate(%d, %d) = %v, want %v", tt.responded, tt.eligible, got, tt.want)
		}
	}
}

func TestEligibleExpertIDs(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	criterion := testutil.CreateCriterion(t, db, "CR1", "Rule of law")

	e1 := testutil.CreateExpert(t, db, "e1@example.org")
	e2 := testutil.CreateExpert(t, db, "e2@example.org")
	e3 := testutil.CreateExpert(t, db, "e3@example.org")
	testutil.CreateStaff(t, db, "admin@example.org")

	testutil.AllocateChapter(t, db, e1, chapter)
	testutil.AllocateChapter(t, db, e2, chapter)
	testutil.AllocateCriterion(t, db, e3, criterion)

	// inactive users never count
	if _, err := db.Exec(`UPDATE user SET is_active = 0 WHERE id = ?`, e2); err != nil {
		t.Fatal(err)
	}

	general, err := st.EligibleExpertIDs(ctx, db, scope.ForGeneral())
	if err != nil {
		t.Fatalf("general: %v", err)
	}
	if want := []int64{e1, e3}; !reflect.DeepEqual(sorted(general), want) {
		t.Errorf("general eligible = %v, want %v", general, want)
	}

	inChapter, err := st.EligibleExpertIDs(ctx, db, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("chapter: %v", err)
	}
	if want := []int64{e1}; !reflect.DeepEqual(sorted(inChapter), want) {
		t.Errorf("chapter eligible = %v, want %v", inChapter, want)
	}

	inCriterion, err := st.EligibleExpertIDs(ctx, db, scope.ForCriterion(criterion))
	if err != nil {
		t.Fatalf("criterion: %v", err)
	}
	if want := []int64{e3}; !reflect.DeepEqual(sorted(inCriterion), want) {
		t.Errorf("criterion eligible = %v, want %v", inCriterion, want)
	}
}

func TestEligibleExpertIDsInvalidScope(t *testing.T) {
	db := testutil.OpenDB(t)
	st := fixed(afterward)

	_, err := st.EligibleExpertIDs(context.Background(), db, scope.Scope{Kind: scope.Chapter})
	if !errors.Is(err, scope.ErrInvalid) {
		t.Errorf("error = %v, want scope.ErrInvalid", err)
	}

	_, err = st.EnsureSnapshot(context.Background(), db, model.Questionnaire{ID: 1, Deadline: deadline}, scope.Scope{Kind: scope.Criterion})
	if !errors.Is(err, scope.ErrInvalid) {
		t.Errorf("EnsureSnapshot error = %v, want scope.ErrInvalid", err)
	}
}

// Closed questionnaire, chapter scope, 4 eligible, 2 SENT: the first
// read freezes eligible=4, responded=2, rate=50.0.
func TestClosedQuestionnaireFreezesOnFirstRead(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", deadline)
	testutil.LinkChapter(t, db, questionnaire, chapter)

	var experts []int64
	for _, email := range []string{"e1@x", "e2@x", "e3@x", "e4@x"} {
		id := testutil.CreateExpert(t, db, email)
		testutil.AllocateChapter(t, db, id, chapter)
		experts = append(experts, id)
	}
	testutil.CreateSubmission(t, db, questionnaire, experts[0], model.SubmissionSent)
	testutil.CreateSubmission(t, db, questionnaire, experts[2], model.SubmissionSent)
	// drafts never count toward the frozen rate
	testutil.CreateSubmission(t, db, questionnaire, experts[1], model.SubmissionDraft)

	rate, err := st.RateAndCounts(ctx, db,
		model.Questionnaire{ID: questionnaire, Deadline: deadline}, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("RateAndCounts: %v", err)
	}

	if rate.Eligible != 4 || rate.Responded != 2 || rate.Rate != 50.0 || !rate.Frozen {
		t.Errorf("got eligible=%d responded=%d rate=%v frozen=%v, want 4/2/50.0/frozen",
			rate.Eligible, rate.Responded, rate.Rate, rate.Frozen)
	}
	want := sorted([]int64{experts[0], experts[2]})
	if !reflect.DeepEqual(sorted(rate.ResponderIDs), want) {
		t.Errorf("responders = %v, want %v", rate.ResponderIDs, want)
	}

	if n := testutil.CountRows(t, db, "scope_snapshot", ""); n != 1 {
		t.Errorf("snapshot rows = %d, want 1", n)
	}
}

// A second read after roster changes returns the identical frozen
// values.
func TestSnapshotIdempotent(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	chapter := testutil.CreateChapter(t, db, 11, "Agriculture")
	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", deadline)
	testutil.LinkChapter(t, db, questionnaire, chapter)

	e1 := testutil.CreateExpert(t, db, "e1@x")
	testutil.AllocateChapter(t, db, e1, chapter)
	testutil.CreateSubmission(t, db, questionnaire, e1, model.SubmissionSent)

	q := model.Questionnaire{ID: questionnaire, Deadline: deadline}
	first, err := st.EnsureSnapshot(ctx, db, q, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("first EnsureSnapshot: %v", err)
	}

	// roster and responses move on after the freeze
	e2 := testutil.CreateExpert(t, db, "e2@x")
	testutil.AllocateChapter(t, db, e2, chapter)
	testutil.CreateSubmission(t, db, questionnaire, e2, model.SubmissionSent)

	second, err := st.EnsureSnapshot(ctx, db, q, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("second EnsureSnapshot: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("snapshot drifted:\nfirst  %+v\nsecond %+v", first, second)
	}
	if second.EligibleCount != 1 || second.RespondedCount != 1 {
		t.Errorf("counts = %d/%d, want the pre-change 1/1", second.EligibleCount, second.RespondedCount)
	}
}

// Open questionnaires are computed live on every call and leave no
// snapshot rows behind.
func TestOpenQuestionnaireStaysLive(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	futureDeadline := afterward.Add(30 * 24 * time.Hour)
	st := fixed(afterward)

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", futureDeadline)
	testutil.LinkChapter(t, db, questionnaire, chapter)

	for _, email := range []string{"e1@x", "e2@x", "e3@x", "e4@x"} {
		id := testutil.CreateExpert(t, db, email)
		testutil.AllocateChapter(t, db, id, chapter)
	}

	q := model.Questionnaire{ID: questionnaire, Deadline: futureDeadline}
	rate, err := st.RateAndCounts(ctx, db, q, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("RateAndCounts: %v", err)
	}
	if rate.Eligible != 4 || rate.Frozen {
		t.Errorf("got eligible=%d frozen=%v, want 4 live", rate.Eligible, rate.Frozen)
	}

	// a new allocation shows up on the very next call
	e5 := testutil.CreateExpert(t, db, "e5@x")
	testutil.AllocateChapter(t, db, e5, chapter)

	rate, err = st.RateAndCounts(ctx, db, q, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("RateAndCounts after allocation: %v", err)
	}
	if rate.Eligible != 5 {
		t.Errorf("eligible = %d, want 5 after allocation", rate.Eligible)
	}

	if n := testutil.CountRows(t, db, "scope_snapshot", ""); n != 0 {
		t.Errorf("snapshot rows = %d, want none for an open questionnaire", n)
	}
}

// Once a snapshot exists the engine never recomputes.
func TestClosedQuestionnaireNeverRecomputes(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", deadline)
	e1 := testutil.CreateExpert(t, db, "e1@x")

	q := model.Questionnaire{ID: questionnaire, Deadline: deadline}
	rate, err := st.RateAndCounts(ctx, db, q, scope.ForGeneral())
	if err != nil {
		t.Fatalf("RateAndCounts: %v", err)
	}
	if rate.Eligible != 1 || rate.Responded != 0 {
		t.Fatalf("got %d/%d, want 1/0", rate.Eligible, rate.Responded)
	}

	// a late response arrives after the freeze; the rate must not move
	testutil.CreateSubmission(t, db, questionnaire, e1, model.SubmissionSent)

	rate, err = st.RateAndCounts(ctx, db, q, scope.ForGeneral())
	if err != nil {
		t.Fatalf("RateAndCounts after late response: %v", err)
	}
	if rate.Responded != 0 || rate.Rate != 0.0 {
		t.Errorf("frozen rate moved: responded=%d rate=%v", rate.Responded, rate.Rate)
	}
}

// Concurrent callers produce exactly one snapshot row and all see
// the same values.
func TestSnapshotRace(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", deadline)
	testutil.LinkChapter(t, db, questionnaire, chapter)

	e1 := testutil.CreateExpert(t, db, "e1@x")
	testutil.AllocateChapter(t, db, e1, chapter)
	testutil.CreateSubmission(t, db, questionnaire, e1, model.SubmissionSent)

	q := model.Questionnaire{ID: questionnaire, Deadline: deadline}

	const callers = 8
	results := make([]model.ScopeSnapshot, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.EnsureSnapshot(ctx, db, q, scope.ForChapter(chapter))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !reflect.DeepEqual(results[i], results[0]) {
			t.Errorf("caller %d saw %+v, caller 0 saw %+v", i, results[i], results[0])
		}
	}

	if n := testutil.CountRows(t, db, "scope_snapshot", ""); n != 1 {
		t.Errorf("snapshot rows = %d, want exactly 1", n)
	}
}

// Zero eligible experts is a 0.0 rate on both paths, not an error.
func TestZeroEligibleExperts(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()

	chapter := testutil.CreateChapter(t, db, 42, "Empty")

	open := testutil.CreateQuestionnaire(t, db, "Open", afterward.Add(time.Hour))
	closed := testutil.CreateQuestionnaire(t, db, "Closed", deadline)
	testutil.LinkChapter(t, db, open, chapter)
	testutil.LinkChapter(t, db, closed, chapter)

	st := fixed(afterward)

	live, err := st.RateAndCounts(ctx, db,
		model.Questionnaire{ID: open, Deadline: afterward.Add(time.Hour)}, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("live: %v", err)
	}
	if live.Rate != 0.0 || live.Eligible != 0 {
		t.Errorf("live rate = %v eligible = %d, want 0.0/0", live.Rate, live.Eligible)
	}

	frozen, err := st.RateAndCounts(ctx, db,
		model.Questionnaire{ID: closed, Deadline: deadline}, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("frozen: %v", err)
	}
	if frozen.Rate != 0.0 || !frozen.Frozen {
		t.Errorf("frozen rate = %v frozen = %v, want 0.0/true", frozen.Rate, frozen.Frozen)
	}
	if frozen.ResponderIDs == nil || len(frozen.ResponderIDs) != 0 {
		t.Errorf("responder ids = %v, want empty list", frozen.ResponderIDs)
	}
}

func TestFreezeClosedForChapters(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")

	closed := testutil.CreateQuestionnaire(t, db, "Closed", deadline)
	open := testutil.CreateQuestionnaire(t, db, "Open", afterward.Add(time.Hour))
	archived := testutil.CreateQuestionnaire(t, db, "Archived", deadline)
	for _, id := range []int64{closed, open, archived} {
		testutil.LinkChapter(t, db, id, chapter)
	}
	if _, err := db.Exec(`UPDATE questionnaire SET archived = 1 WHERE id = ?`, archived); err != nil {
		t.Fatal(err)
	}

	if err := st.FreezeClosedForChapters(ctx, db, []int64{chapter}); err != nil {
		t.Fatalf("FreezeClosedForChapters: %v", err)
	}

	if n := testutil.CountRows(t, db, "scope_snapshot", "questionnaire_id = ?", closed); n != 1 {
		t.Errorf("closed questionnaire snapshots = %d, want 1", n)
	}
	if n := testutil.CountRows(t, db, "scope_snapshot", "questionnaire_id = ?", open); n != 0 {
		t.Errorf("open questionnaire snapshots = %d, want 0 (must stay live)", n)
	}
	if n := testutil.CountRows(t, db, "scope_snapshot", "questionnaire_id = ?", archived); n != 0 {
		t.Errorf("archived questionnaire snapshots = %d, want 0", n)
	}
}

func TestFreezeClosedForCriteria(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	criterion := testutil.CreateCriterion(t, db, "CR1", "Rule of law")
	closed := testutil.CreateQuestionnaire(t, db, "Closed", deadline)
	testutil.LinkCriterion(t, db, closed, criterion)

	e1 := testutil.CreateExpert(t, db, "e1@x")
	testutil.AllocateCriterion(t, db, e1, criterion)
	testutil.CreateSubmission(t, db, closed, e1, model.SubmissionSent)

	if err := st.FreezeClosedForCriteria(ctx, db, []int64{criterion}); err != nil {
		t.Fatalf("FreezeClosedForCriteria: %v", err)
	}

	snap, err := st.EnsureSnapshot(ctx, db,
		model.Questionnaire{ID: closed, Deadline: deadline}, scope.ForCriterion(criterion))
	if err != nil {
		t.Fatalf("EnsureSnapshot: %v", err)
	}
	if snap.EligibleCount != 1 || snap.RespondedCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", snap.EligibleCount, snap.RespondedCount)
	}
	if want := "CR:" + strconv.FormatInt(criterion, 10); snap.ScopeKey != want {
		t.Errorf("scope key = %q, want %q", snap.ScopeKey, want)
	}
}

// Submissions from experts outside the scope never inflate the rate.
func TestRespondersRestrictedToEligibleSet(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	st := fixed(afterward)

	chapter := testutil.CreateChapter(t, db, 10, "Judiciary")
	questionnaire := testutil.CreateQuestionnaire(t, db, "Q1", deadline)
	testutil.LinkChapter(t, db, questionnaire, chapter)

	inScope := testutil.CreateExpert(t, db, "in@x")
	outside := testutil.CreateExpert(t, db, "out@x")
	testutil.AllocateChapter(t, db, inScope, chapter)

	testutil.CreateSubmission(t, db, questionnaire, inScope, model.SubmissionSent)
	testutil.CreateSubmission(t, db, questionnaire, outside, model.SubmissionSent)

	counts, err := st.ComputeLive(ctx, db, questionnaire, scope.ForChapter(chapter))
	if err != nil {
		t.Fatalf("ComputeLive: %v", err)
	}
	if counts.Eligible != 1 || counts.Responded != 1 {
		t.Errorf("counts = %d/%d, want 1/1", counts.Eligible, counts.Responded)
	}
	if !reflect.DeepEqual(counts.ResponderIDs, []int64{inScope}) {
		t.Errorf("responders = %v, want only the in-scope expert", counts.ResponderIDs)
	}
}
