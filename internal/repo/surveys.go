package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"upkeep/internal/domain"
)

func (r Repo) InsertSurveyTx(ctx context.Context, tx *sql.Tx, s domain.Survey) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO surveys(id,activity_id,answers_json,created_at) VALUES (?,?,?,?)`,
		s.ID, s.ActivityID, string(answers), s.CreatedAt)
	return err
}

func (r Repo) GetSurveyByActivity(ctx context.Context, activityID string) (domain.Survey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,activity_id,answers_json,created_at FROM surveys WHERE activity_id=?`, activityID)
	return scanSurvey(row)
}

func (r Repo) GetSurveyByActivityTx(ctx context.Context, tx *sql.Tx, activityID string) (domain.Survey, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,activity_id,answers_json,created_at FROM surveys WHERE activity_id=?`, activityID)
	return scanSurvey(row)
}

func scanSurvey(row *sql.Row) (domain.Survey, error) {
	var s domain.Survey
	var answersJSON string
	err := row.Scan(&s.ID, &s.ActivityID, &answersJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if answersJSON != "" {
		_ = json.Unmarshal([]byte(answersJSON), &s.Answers)
	}
	if s.Answers == nil {
		s.Answers = map[string]any{}
	}
	return s, nil
}

func (r Repo) ListSurveys(ctx context.Context) ([]domain.Survey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,activity_id,answers_json,created_at FROM surveys ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Survey
	for rows.Next() {
		var s domain.Survey
		var answersJSON string
		if err := rows.Scan(&s.ID, &s.ActivityID, &answersJSON, &s.CreatedAt); err != nil {
			return nil, err
		}
		if answersJSON != "" {
			_ = json.Unmarshal([]byte(answersJSON), &s.Answers)
		}
		if s.Answers == nil {
			s.Answers = map[string]any{}
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
