// Package export flattens submitted answers into CSV for download.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"time"

	"github.com/cie-platform/expert-portal/stats"
)

var header = []string{
	"questionnaire", "expert_email", "expert_name",
	"question", "question_text", "answer", "comment", "status", "sent_at",
}

// BuildCSV renders every answer of the given questionnaires, one row per
// (expert, question), ordered by questionnaire, expert and question
// order.
func BuildCSV(ctx context.Context, q stats.Querier, questionnaireIDs []int64) ([]byte, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	if err := writer.Write(header); err != nil {
		return nil, err
	}

	for _, questionnaireID := range questionnaireIDs {
		rows, err := q.QueryContext(ctx, `
			SELECT
				qu.title,
				u.email, u.first_name || ' ' || u.last_name,
				que.ord, que.text,
				a.text, a.comment,
				s.status, s.sent_at
			FROM questionnaire qu
			INNER JOIN submission s ON (s.questionnaire_id = qu.id)
			INNER JOIN user u ON (u.id = s.expert_id)
			INNER JOIN answer a ON (a.submission_id = s.id)
			INNER JOIN question que ON (que.id = a.question_id)
			WHERE qu.id = ?
			ORDER BY u.last_name, u.first_name, que.ord`,
			questionnaireID,
		)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			var title, email, name, questionText, answerText, comment, status string
			var ord int
			var sentAt *time.Time
			err = rows.Scan(&title, &email, &name, &ord, &questionText, &answerText, &comment, &status, &sentAt)
			if err != nil {
				rows.Close()
				return nil, err
			}

			sent := ""
			if sentAt != nil {
				sent = sentAt.UTC().Format("2006-01-02 15:04")
			}
			record := []string{
				title, email, name,
				strconv.Itoa(ord), questionText, answerText, comment, status, sent,
			}
			if err := writer.Write(record); err != nil {
				rows.Close()
				return nil, err
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	writer.Flush()
	return buf.Bytes(), writer.Error()
}
