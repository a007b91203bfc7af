package routes

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/render"

	"github.com/cie-platform/expert-portal/app"
	"github.com/cie-platform/expert-portal/httpx"
	"github.com/cie-platform/expert-portal/log"
	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/roster"
	"github.com/cie-platform/expert-portal/routes/middlewares"
)

func currentExpert(r *http.Request, app app.App) (int64, error) {
	username := middlewares.Username(r)
	if username == "" {
		return 0, sql.ErrNoRows
	}
	var userId int64
	err := app.QueryRowContext(r.Context(), `
		SELECT id FROM user WHERE username = ? AND is_staff = 0 AND is_active = 1`,
		username,
	).Scan(&userId)
	return userId, err
}

func accessibleQuestionnaires(ctx context.Context, app app.App, profileId int64) ([]model.Questionnaire, error) {
	rows, err := app.QueryContext(ctx, `
		SELECT DISTINCT q.id, q.title, q.description, q.deadline, q.is_general, q.created_at
		FROM questionnaire q
		LEFT OUTER JOIN questionnaire_chapter qc ON (qc.questionnaire_id = q.id)
		LEFT OUTER JOIN questionnaire_criterion qr ON (qr.questionnaire_id = q.id)
		WHERE q.archived = 0
			AND (
				q.is_general = 1
				OR qc.chapter_id IN (SELECT chapter_id FROM expert_profile_chapter WHERE profile_id = ?)
				OR qr.criterion_id IN (SELECT criterion_id FROM expert_profile_criterion WHERE profile_id = ?)
			)
		ORDER BY q.deadline`,
		profileId, profileId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questionnaires []model.Questionnaire
	for rows.Next() {
		q := model.Questionnaire{}
		err = rows.Scan(&q.ID, &q.Title, &q.Description, &q.Deadline, &q.General, &q.CreatedAt)
		if err != nil {
			return nil, err
		}
		questionnaires = append(questionnaires, q)
	}
	return questionnaires, rows.Err()
}

func ExpertListQuestionnaires(app app.App) http.HandlerFunc {
	type entry struct {
		model.Questionnaire
		SubmissionStatus string `json:"submissionStatus,omitempty"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userId, err := currentExpert(r, app)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogStatus(w, http.StatusForbidden, log.DebugLevel, "expert.current")
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.expert.current", err)
			return
		}

		profile, err := roster.GetOrCreateProfile(r.Context(), app.DB, userId)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.profile", err)
			return
		}

		questionnaires, err := accessibleQuestionnaires(r.Context(), app, profile.ID)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.questionnaires", err)
			return
		}

		statuses := map[int64]string{}
		rows, err := app.QueryContext(r.Context(), `
			SELECT questionnaire_id, status FROM submission WHERE expert_id = ?`,
			userId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.submissions", err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var questionnaireId int64
			var status string
			if err := rows.Scan(&questionnaireId, &status); err != nil {
				httpx.LogInternalError(w, "db.expert.submissions.scan", err)
				return
			}
			statuses[questionnaireId] = status
		}

		now := app.Stats.Clock.Now()
		open := []entry{}
		closed := []entry{}
		for _, q := range questionnaires {
			e := entry{Questionnaire: q, SubmissionStatus: statuses[q.ID]}
			if q.Open(now) {
				open = append(open, e)
			} else {
				closed = append(closed, e)
			}
		}

		render.JSON(w, r, map[string]any{
			"open":   open,
			"closed": closed,
		})
	}
}

// expertCanAccess mirrors the dashboard visibility rule: a questionnaire
// is reachable if it is general, or shares at least one chapter or
// criterion with the expert's allocation.
func expertCanAccess(ctx context.Context, app app.App, profileId int64, questionnaire model.Questionnaire) (bool, error) {
	if questionnaire.Archived {
		return false, nil
	}
	if questionnaire.General {
		return true, nil
	}

	chapterIds, err := roster.ChapterIDs(ctx, app.DB, profileId)
	if err != nil {
		return false, err
	}
	criterionIds, err := roster.CriterionIDs(ctx, app.DB, profileId)
	if err != nil {
		return false, err
	}

	mine := map[int64]bool{}
	for _, id := range chapterIds {
		mine[id] = true
	}
	for _, id := range questionnaire.ChapterIDs {
		if mine[id] {
			return true, nil
		}
	}

	mine = map[int64]bool{}
	for _, id := range criterionIds {
		mine[id] = true
	}
	for _, id := range questionnaire.CriterionIDs {
		if mine[id] {
			return true, nil
		}
	}
	return false, nil
}

func getOrCreateSubmission(ctx context.Context, q *sql.Tx, app app.App, questionnaireId, userId int64) (model.Submission, error) {
	sub := model.Submission{}
	err := q.QueryRowContext(ctx, `
		SELECT id, questionnaire_id, expert_id, status, updated_at, sent_at
		FROM submission
		WHERE questionnaire_id = ? AND expert_id = ?`,
		questionnaireId, userId,
	).Scan(&sub.ID, &sub.QuestionnaireID, &sub.ExpertID, &sub.Status, &sub.UpdatedAt, &sub.SentAt)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return sub, err
	}

	now := app.Stats.Clock.Now()
	res, err := q.ExecContext(ctx, `
		INSERT INTO submission (questionnaire_id, expert_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		questionnaireId, userId, model.SubmissionDraft, now, now,
	)
	if err != nil {
		return sub, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return sub, err
	}
	return model.Submission{
		ID:              id,
		QuestionnaireID: questionnaireId,
		ExpertID:        userId,
		Status:          model.SubmissionDraft,
		UpdatedAt:       now,
	}, nil
}

func ExpertGetQuestionnaire(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionnaireId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		userId, err := currentExpert(r, app)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogStatus(w, http.StatusForbidden, log.DebugLevel, "expert.current")
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.expert.current", err)
			return
		}

		questionnaire, err := loadQuestionnaire(r.Context(), app.DB, questionnaireId)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "expert.get_questionnaire", questionnaireId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.expert.get_questionnaire", err)
			return
		}

		profile, err := roster.GetOrCreateProfile(r.Context(), app.DB, userId)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.profile", err)
			return
		}
		ok, err := expertCanAccess(r.Context(), app, profile.ID, questionnaire)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.access", err)
			return
		}
		if !ok {
			httpx.LogNotFound(w, "expert.get_questionnaire.access", questionnaireId)
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		sub, err := getOrCreateSubmission(r.Context(), tx, app, questionnaireId, userId)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.submission", err)
			return
		}

		rows, err := tx.QueryContext(r.Context(), `
			SELECT question_id, text, comment FROM answer WHERE submission_id = ?`,
			sub.ID,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.answers", err)
			return
		}
		sub.Answers = []model.Answer{}
		for rows.Next() {
			a := model.Answer{}
			if err := rows.Scan(&a.QuestionID, &a.Text, &a.Comment); err != nil {
				rows.Close()
				httpx.LogInternalError(w, "db.expert.answers.scan", err)
				return
			}
			sub.Answers = append(sub.Answers, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			httpx.LogInternalError(w, "db.expert.answers.rows", err)
			return
		}

		if err := tx.Commit(); err != nil {
			httpx.LogInternalError(w, "db.expert.commit", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"questionnaire": questionnaire,
			"submission":    sub,
			"editable":      questionnaire.Open(app.Stats.Clock.Now()),
		})
	}
}

// answers longer than this are rejected, matching the column constraint
const maxAnswerLength = 1500

type saveAnswersRequest struct {
	Action  string         `json:"action"` // "save" or "send"
	Answers []model.Answer `json:"answers"`
}

func ExpertSaveAnswers(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionnaireId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		req := saveAnswersRequest{}
		err = render.DecodeJSON(r.Body, &req)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		userId, err := currentExpert(r, app)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogStatus(w, http.StatusForbidden, log.DebugLevel, "expert.current")
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.expert.current", err)
			return
		}

		questionnaire, err := loadQuestionnaire(r.Context(), app.DB, questionnaireId)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "expert.save_answers", questionnaireId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.expert.save_answers", err)
			return
		}

		now := app.Stats.Clock.Now()
		if !questionnaire.Open(now) {
			httpx.LogStatusMsg(w, http.StatusConflict, log.DebugLevel,
				"expert.save_answers.deadline", "the deadline has passed, answers can no longer be edited")
			return
		}

		profile, err := roster.GetOrCreateProfile(r.Context(), app.DB, userId)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.profile", err)
			return
		}
		ok, err := expertCanAccess(r.Context(), app, profile.ID, questionnaire)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.access", err)
			return
		}
		if !ok {
			httpx.LogNotFound(w, "expert.save_answers.access", questionnaireId)
			return
		}

		knownQuestions := map[int64]bool{}
		for _, question := range questionnaire.Questions {
			knownQuestions[question.ID] = true
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		sub, err := getOrCreateSubmission(r.Context(), tx, app, questionnaireId, userId)
		if err != nil {
			httpx.LogInternalError(w, "db.expert.submission", err)
			return
		}

		for _, answer := range req.Answers {
			if !knownQuestions[answer.QuestionID] {
				httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel,
					"expert.save_answers.question", "question %d does not belong to this questionnaire", answer.QuestionID)
				return
			}
			if utf8.RuneCountInString(answer.Text) > maxAnswerLength {
				httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel,
					"expert.save_answers.length", "answer to question %d exceeds %d characters", answer.QuestionID, maxAnswerLength)
				return
			}
			_, err = tx.ExecContext(r.Context(), `
				INSERT INTO answer (submission_id, question_id, text, comment)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (submission_id, question_id)
				DO UPDATE SET text = excluded.text, comment = excluded.comment`,
				sub.ID, answer.QuestionID, answer.Text, answer.Comment,
			)
			if err != nil {
				httpx.LogInternalError(w, "db.expert.save_answers.upsert", err)
				return
			}
		}

		// sending is final for the rate; a later plain save never demotes
		// a SENT submission back to draft
		status := sub.Status
		if req.Action == "send" {
			status = model.SubmissionSent
		}
		if status == model.SubmissionSent && req.Action == "send" {
			_, err = tx.ExecContext(r.Context(), `
				UPDATE submission SET status = ?, sent_at = ?, updated_at = ? WHERE id = ?`,
				status, now, now, sub.ID,
			)
		} else {
			_, err = tx.ExecContext(r.Context(), `
				UPDATE submission SET status = ?, updated_at = ? WHERE id = ?`,
				status, now, sub.ID,
			)
		}
		if err != nil {
			httpx.LogInternalError(w, "db.expert.save_answers.status", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.expert.save_answers.commit", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"status": status,
		})
	}
}
