package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/testutil"
)

func TestBuildCSV(t *testing.T) {
	db := testutil.OpenDB(t)
	ctx := context.Background()
	deadline := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	questionnaire := testutil.CreateQuestionnaire(t, db, "Annual review", deadline)
	q1 := testutil.CreateQuestion(t, db, questionnaire, 1, "How independent is the body?")
	q2 := testutil.CreateQuestion(t, db, questionnaire, 2, "Any budget concerns?")

	expert := testutil.CreateExpert(t, db, "ada@x")
	submission := testutil.CreateSubmission(t, db, questionnaire, expert, model.SubmissionSent)
	testutil.CreateAnswer(t, db, submission, q1, "Fully")
	testutil.CreateAnswer(t, db, submission, q2, "None")

	out, err := BuildCSV(ctx, db, []int64{questionnaire})
	if err != nil {
		t.Fatalf("BuildCSV: %v", err)
	}

	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("rows = %d, want header + 2 answers", len(records))
	}
	if len(records[0]) != len(header) {
		t.Errorf("header width = %d, want %d", len(records[0]), len(header))
	}

	first := records[1]
	if first[0] != "Annual review" || first[1] != "ada@x" || first[3] != "1" || first[5] != "Fully" {
		t.Errorf("first row = %v", first)
	}
	if first[7] != model.SubmissionSent || first[8] == "" {
		t.Errorf("status/sent_at = %q/%q, want SENT with a timestamp", first[7], first[8])
	}
	if second := records[2]; second[3] != "2" || second[5] != "None" {
		t.Errorf("second row = %v", second)
	}
}

func TestBuildCSVEmptySelection(t *testing.T) {
	db := testutil.OpenDB(t)

	out, err := BuildCSV(context.Background(), db, nil)
	if err != nil {
		t.Fatalf("BuildCSV: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(out)).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("rows = %d, want header only", len(records))
	}
}
