package shadow

import (
	"database/sql"
	"fmt"
	"time"

	"modelmux/internal/store"
	"modelmux/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS shadow_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	task_type TEXT NOT NULL,
	description TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	primary_backend TEXT NOT NULL,
	primary_model TEXT,
	primary_output TEXT,
	shadow_backend TEXT NOT NULL,
	shadow_model TEXT NOT NULL,
	shadow_output TEXT,
	auto_score REAL NOT NULL,
	user_score REAL,
	length_similarity REAL NOT NULL,
	structure_similarity REAL NOT NULL,
	key_term_overlap REAL NOT NULL,
	code_parses REAL NOT NULL,
	difficulty_band TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_shadow_results_task_type ON shadow_results(task_type);
CREATE INDEX IF NOT EXISTS idx_shadow_results_model ON shadow_results(shadow_model);
CREATE INDEX IF NOT EXISTS idx_shadow_results_timestamp ON shadow_results(timestamp);

CREATE TABLE IF NOT EXISTS trust_scores (
	model TEXT NOT NULL,
	task_type TEXT NOT NULL,
	difficulty_band TEXT NOT NULL,
	score REAL NOT NULL,
	samples INTEGER NOT NULL,
	trend TEXT NOT NULL DEFAULT 'flat',
	backends TEXT NOT NULL DEFAULT '',
	last_updated DATETIME NOT NULL,
	PRIMARY KEY (model, task_type, difficulty_band)
);

CREATE TABLE IF NOT EXISTS user_feedback (
	shadow_id INTEGER PRIMARY KEY,
	score REAL NOT NULL,
	comment TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS scorer_calibration (
	model TEXT PRIMARY KEY,
	factor REAL NOT NULL DEFAULT 1.0,
	sample_count INTEGER NOT NULL DEFAULT 0,
	last_calibrated DATETIME
);

CREATE TABLE IF NOT EXISTS promotions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	model TEXT NOT NULL,
	task_type TEXT NOT NULL,
	difficulty_band TEXT NOT NULL,
	trust_score REAL NOT NULL,
	projected_monthly_savings REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	promoted_at DATETIME NOT NULL,
	reverted_at DATETIME
);
`

// ResultRow is one stored shadow comparison.
type ResultRow struct {
	ID             int64
	TaskID         string
	TaskType       types.TaskType
	Description    string
	Timestamp      time.Time
	PrimaryBackend types.Backend
	PrimaryModel   string
	PrimaryOutput  string
	ShadowBackend  types.Backend
	ShadowModel    string
	ShadowOutput   string
	UserScore      sql.NullFloat64
	DifficultyBand string
	Scores         SubScores
}

// TrustScore is one row of the trust table.
type TrustScore struct {
	Model          string
	TaskType       types.TaskType
	DifficultyBand string
	Score          float64
	Samples        int
	Trend          string
	Backends       string
	LastUpdated    time.Time
}

// DB wraps the shadow bench database.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDB opens (and migrates) the shadow database at path.
func OpenDB(path string) (*DB, error) {
	sqldb, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("migrate shadow db: %w", err)
	}
	return &DB{db: sqldb, now: time.Now}, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// InsertResult stores one comparison and returns its id.
func (d *DB) InsertResult(r ResultRow) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO shadow_results (
			task_id, task_type, description, timestamp,
			primary_backend, primary_model, primary_output,
			shadow_backend, shadow_model, shadow_output,
			auto_score, user_score,
			length_similarity, structure_similarity, key_term_overlap, code_parses,
			difficulty_band, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, string(r.TaskType), r.Description, r.Timestamp,
		string(r.PrimaryBackend), r.PrimaryModel, r.PrimaryOutput,
		string(r.ShadowBackend), r.ShadowModel, r.ShadowOutput,
		r.Scores.Composite, r.UserScore,
		r.Scores.LengthSimilarity, r.Scores.StructureSimilarity, r.Scores.KeyTermOverlap, r.Scores.CodeParses,
		r.DifficultyBand, d.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert shadow result: %w", err)
	}
	return res.LastInsertId()
}

// RecordUserFeedback attaches a human score to a stored result.
func (d *DB) RecordUserFeedback(shadowID int64, score float64, comment string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO user_feedback (shadow_id, score, comment, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(shadow_id) DO UPDATE SET score = excluded.score, comment = excluded.comment`,
		shadowID, score, comment, d.now()); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	if _, err := tx.Exec(`UPDATE shadow_results SET user_score = ? WHERE id = ?`, score, shadowID); err != nil {
		return fmt.Errorf("apply feedback: %w", err)
	}
	return tx.Commit()
}

// ResultByID loads one stored result.
func (d *DB) ResultByID(id int64) (ResultRow, error) {
	var r ResultRow
	var taskType, primaryBackend, shadowBackend string
	err := d.db.QueryRow(`
		SELECT id, task_id, task_type, description, timestamp,
		       primary_backend, shadow_backend, shadow_model,
		       auto_score, user_score, difficulty_band
		FROM shadow_results WHERE id = ?`, id).Scan(
		&r.ID, &r.TaskID, &taskType, &r.Description, &r.Timestamp,
		&primaryBackend, &shadowBackend, &r.ShadowModel,
		&r.Scores.Composite, &r.UserScore, &r.DifficultyBand,
	)
	if err != nil {
		return r, err
	}
	r.TaskType = types.TaskType(taskType)
	r.PrimaryBackend = types.Backend(primaryBackend)
	r.ShadowBackend = types.Backend(shadowBackend)
	return r, nil
}

// UpdateTrust recomputes the weighted mean for {model, taskType, band}.
// User scores carry weight 3, auto scores weight 1. Returns the fresh
// trust row.
func (d *DB) UpdateTrust(model string, taskType types.TaskType, band string) (TrustScore, error) {
	bandFilter := "AND difficulty_band = ?"
	args := []any{model, string(taskType), band}
	if band == "all" {
		bandFilter = ""
		args = args[:2]
	}

	var weighted, weights sql.NullFloat64
	var samples int
	var backends sql.NullString
	query := fmt.Sprintf(`
		SELECT
			SUM(COALESCE(user_score, auto_score) * CASE WHEN user_score IS NOT NULL THEN 3 ELSE 1 END),
			SUM(CASE WHEN user_score IS NOT NULL THEN 3 ELSE 1 END),
			COUNT(*),
			GROUP_CONCAT(DISTINCT shadow_backend)
		FROM shadow_results
		WHERE shadow_model = ? AND task_type = ? %s`, bandFilter)
	if err := d.db.QueryRow(query, args...).Scan(&weighted, &weights, &samples, &backends); err != nil {
		return TrustScore{}, fmt.Errorf("aggregate trust: %w", err)
	}

	score := 0.0
	if weights.Valid && weights.Float64 > 0 {
		score = clamp01(weighted.Float64 / weights.Float64)
	}
	// Round to two decimals for stable storage.
	score = float64(int(score*100+0.5)) / 100

	prev, hadPrev, err := d.TrustFor(model, taskType, band)
	if err != nil {
		return TrustScore{}, err
	}
	trend := "flat"
	if hadPrev {
		switch {
		case score > prev.Score:
			trend = "up"
		case score < prev.Score:
			trend = "down"
		}
	}

	row := TrustScore{
		Model: model, TaskType: taskType, DifficultyBand: band,
		Score: score, Samples: samples, Trend: trend,
		Backends: backends.String, LastUpdated: d.now(),
	}
	_, err = d.db.Exec(`
		INSERT INTO trust_scores (model, task_type, difficulty_band, score, samples, trend, backends, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(model, task_type, difficulty_band) DO UPDATE SET
			score = excluded.score, samples = excluded.samples,
			trend = excluded.trend, backends = excluded.backends,
			last_updated = excluded.last_updated`,
		row.Model, string(row.TaskType), row.DifficultyBand, row.Score, row.Samples, row.Trend, row.Backends, row.LastUpdated)
	if err != nil {
		return TrustScore{}, fmt.Errorf("upsert trust: %w", err)
	}
	return row, nil
}

// TrustFor reads one trust row.
func (d *DB) TrustFor(model string, taskType types.TaskType, band string) (TrustScore, bool, error) {
	var row TrustScore
	var tt string
	err := d.db.QueryRow(`
		SELECT model, task_type, difficulty_band, score, samples, trend, backends, last_updated
		FROM trust_scores WHERE model = ? AND task_type = ? AND difficulty_band = ?`,
		model, string(taskType), band).Scan(
		&row.Model, &tt, &row.DifficultyBand, &row.Score, &row.Samples, &row.Trend, &row.Backends, &row.LastUpdated)
	if err == sql.ErrNoRows {
		return TrustScore{}, false, nil
	}
	if err != nil {
		return TrustScore{}, false, err
	}
	row.TaskType = types.TaskType(tt)
	return row, true, nil
}

// TrustTable returns every trust row.
func (d *DB) TrustTable() ([]TrustScore, error) {
	rows, err := d.db.Query(`
		SELECT model, task_type, difficulty_band, score, samples, trend, backends, last_updated
		FROM trust_scores ORDER BY model, task_type, difficulty_band`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrustScore
	for rows.Next() {
		var row TrustScore
		var tt string
		if err := rows.Scan(&row.Model, &tt, &row.DifficultyBand, &row.Score, &row.Samples, &row.Trend, &row.Backends, &row.LastUpdated); err != nil {
			return nil, err
		}
		row.TaskType = types.TaskType(tt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ResultFilter narrows a Results listing. Zero values match everything.
type ResultFilter struct {
	TaskType types.TaskType
	Model    string
	Band     string
	Limit    int
}

// Results lists stored comparisons, newest first.
func (d *DB) Results(f ResultFilter) ([]ResultRow, error) {
	query := `
		SELECT id, task_id, task_type, description, timestamp,
		       primary_backend, shadow_backend, shadow_model,
		       auto_score, user_score, difficulty_band
		FROM shadow_results WHERE 1=1`
	var args []any
	if f.TaskType != "" {
		query += " AND task_type = ?"
		args = append(args, string(f.TaskType))
	}
	if f.Model != "" {
		query += " AND shadow_model = ?"
		args = append(args, f.Model)
	}
	if f.Band != "" {
		query += " AND difficulty_band = ?"
		args = append(args, f.Band)
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var r ResultRow
		var taskType, primaryBackend, shadowBackend string
		if err := rows.Scan(
			&r.ID, &r.TaskID, &taskType, &r.Description, &r.Timestamp,
			&primaryBackend, &shadowBackend, &r.ShadowModel,
			&r.Scores.Composite, &r.UserScore, &r.DifficultyBand,
		); err != nil {
			return nil, err
		}
		r.TaskType = types.TaskType(taskType)
		r.PrimaryBackend = types.Backend(primaryBackend)
		r.ShadowBackend = types.Backend(shadowBackend)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordPromotion appends a promotion event.
func (d *DB) RecordPromotion(model string, taskType types.TaskType, band string, score, projectedSavings float64, status string) error {
	_, err := d.db.Exec(`
		INSERT INTO promotions (model, task_type, difficulty_band, trust_score, projected_monthly_savings, status, promoted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		model, string(taskType), band, score, projectedSavings, status, d.now())
	return err
}

// RevertPromotion marks the latest active promotion reverted.
func (d *DB) RevertPromotion(model string, taskType types.TaskType) error {
	_, err := d.db.Exec(`
		UPDATE promotions SET status = 'reverted', reverted_at = ?
		WHERE model = ? AND task_type = ? AND reverted_at IS NULL`,
		d.now(), model, string(taskType))
	return err
}

// PruneOlderThan deletes shadow results past the retention horizon.
func (d *DB) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := d.db.Exec(`DELETE FROM shadow_results WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SampleCount counts stored results for a model and task type.
func (d *DB) SampleCount(model string, taskType types.TaskType) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM shadow_results WHERE shadow_model = ? AND task_type = ?`,
		model, string(taskType)).Scan(&n)
	return n, err
}
