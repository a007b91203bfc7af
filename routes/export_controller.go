package routes

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"github.com/cie-platform/expert-portal/app"
	"github.com/cie-platform/expert-portal/export"
	"github.com/cie-platform/expert-portal/httpx"
	"github.com/cie-platform/expert-portal/log"
)

type exportRequest struct {
	QuestionnaireIDs []int64 `json:"questionnaireIds"`
	ChapterIDs       []int64 `json:"chapterIds"`
	CriterionIDs     []int64 `json:"criterionIds"`
}

// ExportAnswers streams a CSV of all answers for the selected
// questionnaires. Chapter/criterion ids select every questionnaire
// attached to them; the union with the explicit ids is exported.
func ExportAnswers(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := exportRequest{}
		err := render.DecodeJSON(r.Body, &req)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		selected := map[int64]bool{}
		ordered := []int64{}
		add := func(ids []int64) {
			for _, id := range ids {
				if !selected[id] {
					selected[id] = true
					ordered = append(ordered, id)
				}
			}
		}

		add(req.QuestionnaireIDs)

		for _, chapterId := range req.ChapterIDs {
			ids, err := queryIDs(r.Context(), app.DB, `
				SELECT questionnaire_id FROM questionnaire_chapter
				WHERE chapter_id = ? ORDER BY questionnaire_id`,
				chapterId)
			if err != nil {
				httpx.LogInternalError(w, "db.export.chapters", err)
				return
			}
			add(ids)
		}
		for _, criterionId := range req.CriterionIDs {
			ids, err := queryIDs(r.Context(), app.DB, `
				SELECT questionnaire_id FROM questionnaire_criterion
				WHERE criterion_id = ? ORDER BY questionnaire_id`,
				criterionId)
			if err != nil {
				httpx.LogInternalError(w, "db.export.criteria", err)
				return
			}
			add(ids)
		}

		if len(ordered) == 0 {
			httpx.LogStatusMsg(w, http.StatusBadRequest, log.DebugLevel,
				"export.empty_selection", "select at least one questionnaire, chapter or criterion")
			return
		}

		content, err := export.BuildCSV(r.Context(), app.DB, ordered)
		if err != nil {
			httpx.LogInternalError(w, "export.build_csv", err)
			return
		}

		filename := fmt.Sprintf("answers_%s.csv", app.Stats.Clock.Now().Format("20060102_1504"))
		w.Header().Set("content-type", "text/csv; charset=utf-8")
		w.Header().Set("content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
		w.Write(content)
	}
}
