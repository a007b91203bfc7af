package routes

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/cie-platform/expert-portal/app"
	"github.com/cie-platform/expert-portal/httpx"
	"github.com/cie-platform/expert-portal/log"
	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/scope"
	"github.com/cie-platform/expert-portal/stats"
)

// questionnaires hold at most this many questions, matching the fixed
// slots of the admin form
const maxQuestions = 20

func urlID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func CreateQuestionnaire(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionnaire := model.Questionnaire{}
		err := render.DecodeJSON(r.Body, &questionnaire)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		if questionnaire.Title == "" || questionnaire.Deadline.IsZero() {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.validate.questionnaire")
			return
		}
		if len(questionnaire.Questions) > maxQuestions {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel,
				"request.validate.questions", "at most %d questions allowed", maxQuestions)
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		var questionnaireId int64
		err = tx.QueryRowContext(r.Context(), `
		INSERT INTO questionnaire (title, description, deadline, is_general, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`,
			questionnaire.Title,
			questionnaire.Description,
			questionnaire.Deadline,
			questionnaire.General,
			app.Stats.Clock.Now(),
		).Scan(&questionnaireId)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_questionnaire", err)
			return
		}

		err = insertQuestionnaireRelations(r.Context(), tx, questionnaireId, questionnaire)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_questionnaire.relations", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.insert_questionnaire.commit", err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, map[string]any{
			"id": questionnaireId,
		})
	}
}

func insertQuestionnaireRelations(ctx context.Context, tx *sql.Tx, questionnaireId int64, questionnaire model.Questionnaire) error {
	for _, chapterId := range questionnaire.ChapterIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO questionnaire_chapter (questionnaire_id, chapter_id) VALUES (?, ?)`,
			questionnaireId, chapterId,
		)
		if err != nil {
			return err
		}
	}
	for _, criterionId := range questionnaire.CriterionIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO questionnaire_criterion (questionnaire_id, criterion_id) VALUES (?, ?)`,
			questionnaireId, criterionId,
		)
		if err != nil {
			return err
		}
	}
	for i, question := range questionnaire.Questions {
		ord := question.Ord
		if ord == 0 {
			ord = i + 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO question (questionnaire_id, ord, text) VALUES (?, ?, ?)`,
			questionnaireId, ord, question.Text,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func ListQuestionnaires(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := app.QueryContext(r.Context(), `
		SELECT q.id, q.title, q.description, q.deadline, q.is_general, q.archived, q.created_at
		FROM questionnaire q
		ORDER BY q.created_at DESC`)
		if err != nil {
			httpx.LogInternalError(w, "db.get_questionnaires", err)
			return
		}
		defer rows.Close()

		questionnaires := []model.Questionnaire{}
		for rows.Next() {
			q := model.Questionnaire{}
			err = rows.Scan(&q.ID, &q.Title, &q.Description, &q.Deadline, &q.General, &q.Archived, &q.CreatedAt)
			if err != nil {
				httpx.LogInternalError(w, "db.get_questionnaires.scan", err)
				return
			}

			questionnaires = append(questionnaires, q)
		}

		render.JSON(w, r, map[string]any{
			"questionnaires": questionnaires,
		})
	}
}

func loadQuestionnaire(ctx context.Context, q stats.Querier, questionnaireId int64) (model.Questionnaire, error) {
	questionnaire := model.Questionnaire{}
	err := q.QueryRowContext(ctx, `
		SELECT id, title, description, deadline, is_general, archived, created_at
		FROM questionnaire
		WHERE id = ?`,
		questionnaireId,
	).Scan(
		&questionnaire.ID, &questionnaire.Title, &questionnaire.Description,
		&questionnaire.Deadline, &questionnaire.General, &questionnaire.Archived,
		&questionnaire.CreatedAt,
	)
	if err != nil {
		return questionnaire, err
	}

	questionnaire.ChapterIDs, err = queryIDs(ctx, q, `
		SELECT chapter_id FROM questionnaire_chapter WHERE questionnaire_id = ? ORDER BY chapter_id`,
		questionnaireId)
	if err != nil {
		return questionnaire, err
	}
	questionnaire.CriterionIDs, err = queryIDs(ctx, q, `
		SELECT criterion_id FROM questionnaire_criterion WHERE questionnaire_id = ? ORDER BY criterion_id`,
		questionnaireId)
	if err != nil {
		return questionnaire, err
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, ord, text FROM question WHERE questionnaire_id = ? ORDER BY ord`,
		questionnaireId)
	if err != nil {
		return questionnaire, err
	}
	defer rows.Close()
	for rows.Next() {
		question := model.Question{}
		if err := rows.Scan(&question.ID, &question.Ord, &question.Text); err != nil {
			return questionnaire, err
		}
		questionnaire.Questions = append(questionnaire.Questions, question)
	}
	return questionnaire, rows.Err()
}

func queryIDs(ctx context.Context, q stats.Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func GetQuestionnaireById(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionnaireId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		questionnaire, err := loadQuestionnaire(r.Context(), app.DB, questionnaireId)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "get_questionnaire", questionnaireId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.get_questionnaire", err)
			return
		}

		var total, sent int
		err = app.QueryRowContext(r.Context(), `
			SELECT
				COUNT(*),
				COUNT(CASE WHEN status = ? THEN 1 END)
			FROM submission
			WHERE questionnaire_id = ?`,
			model.SubmissionSent, questionnaireId,
		).Scan(&total, &sent)
		if err != nil {
			httpx.LogInternalError(w, "db.get_questionnaire.submissions", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"questionnaire":    questionnaire,
			"totalSubmissions": total,
			"sentSubmissions":  sent,
		})
	}
}

func UpdateQuestionnaire(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionnaireId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		questionnaire := model.Questionnaire{}
		err = render.DecodeJSON(r.Body, &questionnaire)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}
		if len(questionnaire.Questions) > maxQuestions {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel,
				"request.validate.questions", "at most %d questions allowed", maxQuestions)
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		// once answers exist the structure is locked, only the texts and
		// the deadline may still be corrected
		var answered int
		err = tx.QueryRowContext(r.Context(), `
			SELECT COUNT(*) FROM submission WHERE questionnaire_id = ?`,
			questionnaireId,
		).Scan(&answered)
		if err != nil {
			httpx.LogInternalError(w, "db.update_questionnaire.submissions", err)
			return
		}

		res, err := tx.ExecContext(r.Context(), `
			UPDATE questionnaire
			SET title = ?, description = ?, deadline = ?, is_general = ?
			WHERE id = ?`,
			questionnaire.Title,
			questionnaire.Description,
			questionnaire.Deadline,
			questionnaire.General,
			questionnaireId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.update_questionnaire", err)
			return
		}
		n, err := res.RowsAffected()
		if err != nil {
			httpx.LogInternalError(w, "db.update_questionnaire.verify", err)
			return
		}
		if n < 1 {
			httpx.LogNotFound(w, "update_questionnaire", questionnaireId)
			return
		}

		if answered > 0 {
			// correct question texts in place, keep ords and relations
			for _, question := range questionnaire.Questions {
				_, err = tx.ExecContext(r.Context(), `
					UPDATE question SET text = ?
					WHERE questionnaire_id = ? AND ord = ?`,
					question.Text, questionnaireId, question.Ord,
				)
				if err != nil {
					httpx.LogInternalError(w, "db.update_questionnaire.questions", err)
					return
				}
			}
		} else {
			_, err = tx.ExecContext(r.Context(), `
				DELETE FROM questionnaire_chapter WHERE questionnaire_id = ?`, questionnaireId)
			if err == nil {
				_, err = tx.ExecContext(r.Context(), `
					DELETE FROM questionnaire_criterion WHERE questionnaire_id = ?`, questionnaireId)
			}
			if err == nil {
				_, err = tx.ExecContext(r.Context(), `
					DELETE FROM question WHERE questionnaire_id = ?`, questionnaireId)
			}
			if err != nil {
				httpx.LogInternalError(w, "db.update_questionnaire.clear_relations", err)
				return
			}

			err = insertQuestionnaireRelations(r.Context(), tx, questionnaireId, questionnaire)
			if err != nil {
				httpx.LogInternalError(w, "db.update_questionnaire.relations", err)
				return
			}
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.update_questionnaire.commit", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func ArchiveQuestionnaire(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionnaireId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		res, err := app.ExecContext(r.Context(), `
			UPDATE questionnaire
			SET archived = 1, archived_at = ?
			WHERE id = ? AND archived = 0`,
			app.Stats.Clock.Now(), questionnaireId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.archive_questionnaire", err)
			return
		}
		n, err := res.RowsAffected()
		if err != nil {
			httpx.LogInternalError(w, "db.archive_questionnaire.verify", err)
			return
		}
		if n < 1 {
			httpx.LogNotFound(w, "archive_questionnaire", questionnaireId)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// QuestionnaireStats reports (eligible, responded, rate, responders) for
// the scope passed in the query string. Live while the questionnaire is
// open, frozen once closed.
func QuestionnaireStats(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		questionnaireId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		sc, err := scope.Parse(r.URL.Query())
		if err != nil {
			httpx.LogInvalidScope(w, "request.parse_scope", err)
			return
		}

		questionnaire, err := loadQuestionnaire(r.Context(), app.DB, questionnaireId)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "questionnaire_stats", questionnaireId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.questionnaire_stats.load", err)
			return
		}

		rate, err := app.Stats.RateAndCounts(r.Context(), app.DB, questionnaire, sc)
		if errors.Is(err, scope.ErrInvalid) {
			httpx.LogInvalidScope(w, "stats.rate_and_counts", err)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "stats.rate_and_counts", err)
			return
		}

		render.JSON(w, r, rate)
	}
}

func ListReferences(app app.App) http.HandlerFunc {
	type clusterGroup struct {
		Cluster  *model.Cluster  `json:"cluster"`
		Chapters []model.Chapter `json:"chapters"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := app.QueryContext(r.Context(), `
			SELECT c.id, c.code, c.name, c.description, c.sort_order
			FROM cluster c
			ORDER BY c.sort_order, c.code`)
		if err != nil {
			httpx.LogInternalError(w, "db.get_references.clusters", err)
			return
		}
		defer rows.Close()

		clusters := []model.Cluster{}
		for rows.Next() {
			c := model.Cluster{}
			if err := rows.Scan(&c.ID, &c.Code, &c.Name, &c.Description, &c.SortOrder); err != nil {
				httpx.LogInternalError(w, "db.get_references.clusters.scan", err)
				return
			}
			clusters = append(clusters, c)
		}

		chRows, err := app.QueryContext(r.Context(), `
			SELECT ch.id, ch.number, ch.name, ch.cluster_id
			FROM chapter ch
			ORDER BY ch.number`)
		if err != nil {
			httpx.LogInternalError(w, "db.get_references.chapters", err)
			return
		}
		defer chRows.Close()

		byCluster := map[int64][]model.Chapter{}
		noCluster := []model.Chapter{}
		for chRows.Next() {
			ch := model.Chapter{}
			if err := chRows.Scan(&ch.ID, &ch.Number, &ch.Name, &ch.ClusterID); err != nil {
				httpx.LogInternalError(w, "db.get_references.chapters.scan", err)
				return
			}
			if ch.ClusterID != nil {
				byCluster[*ch.ClusterID] = append(byCluster[*ch.ClusterID], ch)
			} else {
				noCluster = append(noCluster, ch)
			}
		}

		groups := []clusterGroup{}
		for i := range clusters {
			groups = append(groups, clusterGroup{
				Cluster:  &clusters[i],
				Chapters: byCluster[clusters[i].ID],
			})
		}
		if len(noCluster) > 0 {
			groups = append(groups, clusterGroup{Chapters: noCluster})
		}

		crRows, err := app.QueryContext(r.Context(), `
			SELECT cr.id, cr.code, cr.name FROM criterion cr ORDER BY cr.code`)
		if err != nil {
			httpx.LogInternalError(w, "db.get_references.criteria", err)
			return
		}
		defer crRows.Close()

		criteria := []model.Criterion{}
		for crRows.Next() {
			cr := model.Criterion{}
			if err := crRows.Scan(&cr.ID, &cr.Code, &cr.Name); err != nil {
				httpx.LogInternalError(w, "db.get_references.criteria.scan", err)
				return
			}
			criteria = append(criteria, cr)
		}

		render.JSON(w, r, map[string]any{
			"chapterGroups": groups,
			"criteria":      criteria,
		})
	}
}

// ChapterDashboard renders the per-chapter admin tiles. The respondent
// numbers here deliberately use the looser "sent, or typed at least one
// answer" predicate for live convenience display. The frozen engine in
// package stats counts SENT submissions only; do not unify the two.
func ChapterDashboard(app app.App) http.HandlerFunc {
	type questionnaireTile struct {
		model.Questionnaire
		Respondents    int     `json:"respondents"`
		RespondentRate float64 `json:"respondentRate"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		chapterId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		ch := model.Chapter{}
		err = app.QueryRowContext(r.Context(), `
			SELECT id, number, name FROM chapter WHERE id = ?`,
			chapterId,
		).Scan(&ch.ID, &ch.Number, &ch.Name)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "chapter_dashboard", chapterId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.chapter_dashboard", err)
			return
		}

		expertIds, err := app.Stats.EligibleExpertIDs(r.Context(), app.DB, scope.ForChapter(chapterId))
		if err != nil {
			httpx.LogInternalError(w, "db.chapter_dashboard.experts", err)
			return
		}

		rows, err := app.QueryContext(r.Context(), `
			SELECT q.id, q.title, q.description, q.deadline, q.is_general, q.archived, q.created_at
			FROM questionnaire q
			INNER JOIN questionnaire_chapter qc ON (qc.questionnaire_id = q.id)
			WHERE qc.chapter_id = ?
			ORDER BY q.created_at DESC`,
			chapterId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.chapter_dashboard.questionnaires", err)
			return
		}
		defer rows.Close()

		tiles := []questionnaireTile{}
		for rows.Next() {
			tile := questionnaireTile{}
			err = rows.Scan(
				&tile.ID, &tile.Title, &tile.Description, &tile.Deadline,
				&tile.General, &tile.Archived, &tile.CreatedAt,
			)
			if err != nil {
				httpx.LogInternalError(w, "db.chapter_dashboard.questionnaires.scan", err)
				return
			}
			tiles = append(tiles, tile)
		}
		if err := rows.Err(); err != nil {
			httpx.LogInternalError(w, "db.chapter_dashboard.questionnaires.rows", err)
			return
		}

		questionnaireIds := make([]int64, len(tiles))
		for i := range tiles {
			questionnaireIds[i] = tiles[i].ID

			respondents, err := countLooseResponders(r.Context(), app, []int64{tiles[i].ID}, expertIds)
			if err != nil {
				httpx.LogInternalError(w, "db.chapter_dashboard.respondents", err)
				return
			}
			tiles[i].Respondents = respondents
			tiles[i].RespondentRate = stats.Rate(respondents, len(expertIds))
		}

		uniqueResponders, err := countLooseResponders(r.Context(), app, questionnaireIds, expertIds)
		if err != nil {
			httpx.LogInternalError(w, "db.chapter_dashboard.unique_responders", err)
			return
		}

		render.JSON(w, r, map[string]any{
			"chapter":        ch,
			"expertCount":    len(expertIds),
			"responderCount": uniqueResponders,
			"responseRate":   stats.Rate(uniqueResponders, len(expertIds)),
			"questionnaires": tiles,
		})
	}
}

func countLooseResponders(ctx context.Context, app app.App, questionnaireIds, expertIds []int64) (int, error) {
	if len(questionnaireIds) == 0 || len(expertIds) == 0 {
		return 0, nil
	}

	inScope := make(map[int64]bool, len(expertIds))
	for _, id := range expertIds {
		inScope[id] = true
	}

	responders := map[int64]bool{}
	for _, questionnaireId := range questionnaireIds {
		rows, err := app.QueryContext(ctx, `
			SELECT DISTINCT s.expert_id
			FROM submission s
			LEFT OUTER JOIN answer a ON (a.submission_id = s.id AND a.text <> '')
			WHERE s.questionnaire_id = ?
				AND (s.status = ? OR a.id IS NOT NULL)`,
			questionnaireId, model.SubmissionSent,
		)
		if err != nil {
			return 0, err
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			if inScope[id] {
				responders[id] = true
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, err
		}
		rows.Close()
	}
	return len(responders), nil
}
