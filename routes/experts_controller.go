package routes

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/cie-platform/expert-portal/app"
	"github.com/cie-platform/expert-portal/httpx"
	"github.com/cie-platform/expert-portal/log"
	"github.com/cie-platform/expert-portal/model"
	"github.com/cie-platform/expert-portal/roster"
)

type expertRequest struct {
	model.Expert
	Password string `json:"password,omitempty"`
}

func CreateExpert(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := expertRequest{}
		err := render.DecodeJSON(r.Body, &req)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		email := strings.ToLower(strings.TrimSpace(req.Email))
		if email == "" {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.validate.email")
			return
		}

		password := req.Password
		generated := password == ""
		if generated {
			password = uuid.NewString()
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			httpx.LogInternalError(w, "bcrypt.hash", err)
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		var userId int64
		err = tx.QueryRowContext(r.Context(), `
			INSERT INTO user (username, email, first_name, last_name, password_hash, is_staff, is_active)
			VALUES (?, ?, ?, ?, ?, 0, 1)
			RETURNING id`,
			email, email, req.FirstName, req.LastName, string(hash),
		).Scan(&userId)
		if err != nil {
			httpx.LogStatusMsg(w, http.StatusConflict, log.DebugLevel,
				"db.insert_expert", "a user with this email already exists")
			return
		}

		err = saveExpertProfile(r.Context(), app, tx, userId, req.Expert)
		if err != nil {
			httpx.LogInternalError(w, "db.insert_expert.profile", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.insert_expert.commit", err)
			return
		}

		resp := map[string]any{"id": userId}
		if generated {
			resp["password"] = password
		}
		w.WriteHeader(http.StatusCreated)
		render.JSON(w, r, resp)
	}
}

// saveExpertProfile writes the profile fields and routes the allocation
// edit through roster, so closed questionnaires on any changed
// chapter/criterion are frozen before the membership rows move.
func saveExpertProfile(ctx context.Context, app app.App, tx *sql.Tx, userId int64, expert model.Expert) error {
	profile, err := roster.GetOrCreateProfile(ctx, tx, userId)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE expert_profile
		SET phone = ?, organization = ?, position = ?, expertise_summary = ?
		WHERE id = ?`,
		expert.Phone, expert.Organization, expert.Position, expert.ExpertiseSummary,
		profile.ID,
	)
	if err != nil {
		return err
	}

	err = app.Roster.SetChapters(ctx, tx, profile.ID, expert.ChapterIDs)
	if err != nil {
		return err
	}
	return app.Roster.SetCriteria(ctx, tx, profile.ID, expert.CriterionIDs)
}

func ListExperts(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := app.QueryContext(r.Context(), `
			SELECT u.id, u.email, u.first_name, u.last_name, u.is_active,
				COALESCE(p.phone, ''), COALESCE(p.organization, ''), COALESCE(p.position, '')
			FROM user u
			LEFT OUTER JOIN expert_profile p ON (p.user_id = u.id)
			WHERE u.is_staff = 0
			ORDER BY u.last_name, u.first_name`)
		if err != nil {
			httpx.LogInternalError(w, "db.get_experts", err)
			return
		}
		defer rows.Close()

		experts := []model.Expert{}
		for rows.Next() {
			e := model.Expert{}
			err = rows.Scan(
				&e.ID, &e.Email, &e.FirstName, &e.LastName, &e.Active,
				&e.Phone, &e.Organization, &e.Position,
			)
			if err != nil {
				httpx.LogInternalError(w, "db.get_experts.scan", err)
				return
			}
			experts = append(experts, e)
		}

		render.JSON(w, r, map[string]any{
			"experts": experts,
		})
	}
}

func GetExpertById(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		e := model.Expert{}
		err = app.QueryRowContext(r.Context(), `
			SELECT u.id, u.email, u.first_name, u.last_name, u.is_active,
				COALESCE(p.phone, ''), COALESCE(p.organization, ''),
				COALESCE(p.position, ''), COALESCE(p.expertise_summary, '')
			FROM user u
			LEFT OUTER JOIN expert_profile p ON (p.user_id = u.id)
			WHERE u.id = ? AND u.is_staff = 0`,
			userId,
		).Scan(
			&e.ID, &e.Email, &e.FirstName, &e.LastName, &e.Active,
			&e.Phone, &e.Organization, &e.Position, &e.ExpertiseSummary,
		)
		if errors.Is(err, sql.ErrNoRows) {
			httpx.LogNotFound(w, "get_expert", userId)
			return
		}
		if err != nil {
			httpx.LogInternalError(w, "db.get_expert", err)
			return
		}

		profile, err := roster.GetOrCreateProfile(r.Context(), app.DB, userId)
		if err != nil {
			httpx.LogInternalError(w, "db.get_expert.profile", err)
			return
		}
		e.ChapterIDs, err = roster.ChapterIDs(r.Context(), app.DB, profile.ID)
		if err != nil {
			httpx.LogInternalError(w, "db.get_expert.chapters", err)
			return
		}
		e.CriterionIDs, err = roster.CriterionIDs(r.Context(), app.DB, profile.ID)
		if err != nil {
			httpx.LogInternalError(w, "db.get_expert.criteria", err)
			return
		}

		render.JSON(w, r, e)
	}
}

func UpdateExpert(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userId, err := urlID(r)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.get_url_param.id")
			return
		}

		req := expertRequest{}
		err = render.DecodeJSON(r.Body, &req)
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_body")
			return
		}

		tx, err := app.BeginTx(r.Context(), nil)
		if err != nil {
			httpx.LogInternalError(w, "db.begin_tx", err)
			return
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(r.Context(), `
			UPDATE user
			SET first_name = ?, last_name = ?, is_active = ?
			WHERE id = ? AND is_staff = 0`,
			req.FirstName, req.LastName, req.Active, userId,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.update_expert", err)
			return
		}
		n, err := res.RowsAffected()
		if err != nil {
			httpx.LogInternalError(w, "db.update_expert.verify", err)
			return
		}
		if n < 1 {
			httpx.LogNotFound(w, "update_expert", userId)
			return
		}

		if req.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
			if err != nil {
				httpx.LogInternalError(w, "bcrypt.hash", err)
				return
			}
			_, err = tx.ExecContext(r.Context(), `
				UPDATE user SET password_hash = ? WHERE id = ?`,
				string(hash), userId,
			)
			if err != nil {
				httpx.LogInternalError(w, "db.update_expert.password", err)
				return
			}
		}

		err = saveExpertProfile(r.Context(), app, tx, userId, req.Expert)
		if err != nil {
			httpx.LogInternalError(w, "db.update_expert.profile", err)
			return
		}

		err = tx.Commit()
		if err != nil {
			httpx.LogInternalError(w, "db.update_expert.commit", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// ImportExperts ingests a CSV of experts, one row per expert:
// first_name,last_name,email,phone,organization,position,chapters,criteria
// where chapters is a ';'-separated list of chapter numbers and criteria
// a ';'-separated list of criterion codes. Existing users (by email) are
// updated, new ones created with a generated password. A report line per
// row is recorded in import_run.
func ImportExperts(app app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reader := csv.NewReader(r.Body)
		reader.FieldsPerRecord = -1
		records, err := reader.ReadAll()
		if err != nil {
			httpx.LogStatus(w, http.StatusBadRequest, log.DebugLevel, "request.parse_csv")
			return
		}

		run := model.ImportRun{Kind: model.ImportKindExperts}
		report := &strings.Builder{}
		reportWriter := csv.NewWriter(report)
		credentials := []map[string]string{}

		for i, record := range records {
			if len(record) < 3 {
				run.ErrorCount++
				reportWriter.Write([]string{strconv.Itoa(i + 1), "error", "too few fields"})
				continue
			}

			email := strings.ToLower(strings.TrimSpace(record[2]))
			if email == "" {
				run.ErrorCount++
				reportWriter.Write([]string{strconv.Itoa(i + 1), "error", "missing email"})
				continue
			}

			expert := model.Expert{
				FirstName: strings.TrimSpace(record[0]),
				LastName:  strings.TrimSpace(record[1]),
				Email:     email,
				Active:    true,
			}
			if len(record) > 3 {
				expert.Phone = strings.TrimSpace(record[3])
			}
			if len(record) > 4 {
				expert.Organization = strings.TrimSpace(record[4])
			}
			if len(record) > 5 {
				expert.Position = strings.TrimSpace(record[5])
			}

			var chapters, criteria string
			if len(record) > 6 {
				chapters = record[6]
			}
			if len(record) > 7 {
				criteria = record[7]
			}

			created, password, err := importOne(r.Context(), app, expert, chapters, criteria)
			if err != nil {
				run.ErrorCount++
				reportWriter.Write([]string{strconv.Itoa(i + 1), "error", err.Error()})
				continue
			}
			if created {
				run.CreatedCount++
				reportWriter.Write([]string{strconv.Itoa(i + 1), "created", email})
				credentials = append(credentials, map[string]string{
					"email":    email,
					"password": password,
				})
			} else {
				run.UpdatedCount++
				reportWriter.Write([]string{strconv.Itoa(i + 1), "updated", email})
			}
		}
		reportWriter.Flush()
		run.ReportCSV = report.String()

		res, err := app.ExecContext(r.Context(), `
			INSERT INTO import_run (kind, created_at, file_name, created_count, updated_count, error_count, report_csv)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.Kind, app.Stats.Clock.Now(), r.Header.Get("x-file-name"),
			run.CreatedCount, run.UpdatedCount, run.ErrorCount, run.ReportCSV,
		)
		if err != nil {
			httpx.LogInternalError(w, "db.import_run", err)
			return
		}
		run.ID, _ = res.LastInsertId()

		log.Infof("experts.import: run=%d created=%d updated=%d errors=%d",
			run.ID, run.CreatedCount, run.UpdatedCount, run.ErrorCount)

		render.JSON(w, r, map[string]any{
			"run":         run,
			"credentials": credentials,
		})
	}
}

func importOne(ctx context.Context, app app.App, expert model.Expert, chapters, criteria string) (created bool, password string, err error) {
	chapterIds, err := chapterIDsByNumber(ctx, app, chapters)
	if err != nil {
		return false, "", err
	}
	criterionIds, err := criterionIDsByCode(ctx, app, criteria)
	if err != nil {
		return false, "", err
	}
	expert.ChapterIDs = chapterIds
	expert.CriterionIDs = criterionIds

	tx, err := app.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	var userId int64
	var staff bool
	err = tx.QueryRowContext(ctx, `
		SELECT id, is_staff FROM user WHERE username = ?`,
		expert.Email,
	).Scan(&userId, &staff)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		password = uuid.NewString()
		var hash []byte
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return false, "", err
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO user (username, email, first_name, last_name, password_hash, is_staff, is_active)
			VALUES (?, ?, ?, ?, ?, 0, 1)
			RETURNING id`,
			expert.Email, expert.Email, expert.FirstName, expert.LastName, string(hash),
		).Scan(&userId)
		if err != nil {
			return false, "", err
		}
	case err != nil:
		return false, "", err
	case staff:
		return false, "", fmt.Errorf("%s is an administrator", expert.Email)
	}

	err = saveExpertProfile(ctx, app, tx, userId, expert)
	if err != nil {
		return false, "", err
	}

	return created, password, tx.Commit()
}

func chapterIDsByNumber(ctx context.Context, app app.App, list string) ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(list, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		number, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("bad chapter number %q", field)
		}
		var id int64
		err = app.QueryRowContext(ctx, `SELECT id FROM chapter WHERE number = ?`, number).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown chapter %d", number)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func criterionIDsByCode(ctx context.Context, app app.App, list string) ([]int64, error) {
	var ids []int64
	for _, field := range strings.Split(list, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		var id int64
		err := app.QueryRowContext(ctx, `SELECT id FROM criterion WHERE code = ?`, field).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unknown criterion %q", field)
		}
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
