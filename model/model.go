package model

import "time"

type Cluster struct {
	ID          int64  `json:"id,omitempty"`
	Code        int    `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	SortOrder   int    `json:"sortOrder,omitempty"`
}

type Chapter struct {
	ID        int64  `json:"id,omitempty"`
	Number    int    `json:"number"`
	Name      string `json:"name"`
	ClusterID *int64 `json:"clusterId,omitempty"`
}

type Criterion struct {
	ID   int64  `json:"id,omitempty"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Expert is the flattened user + profile view exchanged with the admin UI.
type Expert struct {
	ID               int64   `json:"id,omitempty"`
	Email            string  `json:"email"`
	FirstName        string  `json:"firstName"`
	LastName         string  `json:"lastName"`
	Phone            string  `json:"phone,omitempty"`
	Organization     string  `json:"organization,omitempty"`
	Position         string  `json:"position,omitempty"`
	ExpertiseSummary string  `json:"expertiseSummary,omitempty"`
	Active           bool    `json:"active"`
	ChapterIDs       []int64 `json:"chapterIds"`
	CriterionIDs     []int64 `json:"criterionIds"`
}

type ExpertProfile struct {
	ID               int64      `json:"id,omitempty"`
	UserID           int64      `json:"userId"`
	Phone            string     `json:"phone,omitempty"`
	Organization     string     `json:"organization,omitempty"`
	Position         string     `json:"position,omitempty"`
	ExpertiseSummary string     `json:"expertiseSummary,omitempty"`
	Archived         bool       `json:"archived,omitempty"`
	ArchivedAt       *time.Time `json:"archivedAt,omitempty"`
}

type Questionnaire struct {
	ID           int64      `json:"id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Deadline     time.Time  `json:"deadline"`
	General      bool       `json:"general"`
	ChapterIDs   []int64    `json:"chapterIds"`
	CriterionIDs []int64    `json:"criterionIds"`
	Questions    []Question `json:"questions,omitempty"`
	Archived     bool       `json:"archived,omitempty"`
	CreatedAt    time.Time  `json:"createdAt,omitempty"`
}

// Open reports whether answers can still be edited at instant now.
func (q Questionnaire) Open(now time.Time) bool {
	return !now.After(q.Deadline)
}

type Question struct {
	ID   int64  `json:"id,omitempty"`
	Ord  int    `json:"ord"`
	Text string `json:"text"`
}

const (
	SubmissionDraft = "DRAFT"
	SubmissionSent  = "SENT"
)

type Submission struct {
	ID              int64      `json:"id,omitempty"`
	QuestionnaireID int64      `json:"questionnaireId"`
	ExpertID        int64      `json:"expertId"`
	Status          string     `json:"status"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	SentAt          *time.Time `json:"sentAt,omitempty"`
	Answers         []Answer   `json:"answers,omitempty"`
}

type Answer struct {
	QuestionID int64  `json:"questionId"`
	Text       string `json:"text"`
	Comment    string `json:"comment,omitempty"`
}

// ScopeSnapshot is the write-once frozen response rate record for one
// (questionnaire, scope key) pair. Counts never change after creation.
type ScopeSnapshot struct {
	ID                int64     `json:"id,omitempty"`
	QuestionnaireID   int64     `json:"questionnaireId"`
	Scope             string    `json:"scope"`
	ScopeKey          string    `json:"scopeKey"`
	ChapterID         *int64    `json:"chapterId,omitempty"`
	CriterionID       *int64    `json:"criterionId,omitempty"`
	FrozenForDeadline time.Time `json:"frozenForDeadline"`
	FrozenAt          time.Time `json:"frozenAt"`
	EligibleCount     int       `json:"eligibleCount"`
	RespondedCount    int       `json:"respondedCount"`
	ResponderIDs      []int64   `json:"responderIds"`
}

const ImportKindExperts = "EXPERTS"

type ImportRun struct {
	ID           int64     `json:"id,omitempty"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"createdAt"`
	FileName     string    `json:"fileName,omitempty"`
	CreatedCount int       `json:"createdCount"`
	UpdatedCount int       `json:"updatedCount"`
	ErrorCount   int       `json:"errorCount"`
	ReportCSV    string    `json:"reportCsv,omitempty"`
}
