package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/SMTG-Bham/e2mc2/internal/models"
	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		label TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'single',
		preset_name TEXT NOT NULL DEFAULT '',
		ce_dir TEXT NOT NULL DEFAULT '',
		work_dir TEXT NOT NULL DEFAULT '',
		archive_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		exit_code INTEGER,
		error TEXT NOT NULL DEFAULT '',
		options TEXT
	);

	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		sequence_num INTEGER NOT NULL,
		work_dir TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		exit_code INTEGER,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		error TEXT NOT NULL DEFAULT '',
		options TEXT,
		UNIQUE(run_id, sequence_num)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func marshalOptions(opts map[string]any) (*string, error) {
	if opts == nil {
		return nil, nil
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func (s *Storage) CreateRun(run *models.Run) (int64, error) {
	optionsJSON, err := marshalOptions(run.Options)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(
		`INSERT INTO runs (label, kind, preset_name, ce_dir, work_dir, archive_path, status, error, options)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Label, run.Kind, run.PresetName, run.CEDir, run.WorkDir,
		run.ArchivePath, run.Status, run.Error, optionsJSON,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) GetRun(id int64) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, completed_at, label, kind, preset_name, ce_dir, work_dir, archive_path, status, exit_code, error, options
		 FROM runs WHERE id = ?`, id,
	)
	return scanRun(row.Scan)
}

func scanRun(scan func(dest ...any) error) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var exitCode sql.NullInt64
	var optionsJSON sql.NullString

	err := scan(
		&run.ID, &run.CreatedAt, &completedAt, &run.Label, &run.Kind,
		&run.PresetName, &run.CEDir, &run.WorkDir, &run.ArchivePath,
		&run.Status, &exitCode, &run.Error, &optionsJSON,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if optionsJSON.Valid {
		var opts map[string]any
		if err := json.Unmarshal([]byte(optionsJSON.String), &opts); err == nil {
			run.Options = opts
		}
	}

	return &run, nil
}

func (s *Storage) UpdateRun(run *models.Run) error {
	optionsJSON, err := marshalOptions(run.Options)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE runs SET completed_at = ?, work_dir = ?, archive_path = ?, status = ?, exit_code = ?, error = ?, options = ? WHERE id = ?`,
		run.CompletedAt, run.WorkDir, run.ArchivePath, run.Status,
		run.ExitCode, run.Error, optionsJSON, run.ID,
	)
	return err
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(
		`SELECT id, created_at, completed_at, label, kind, preset_name, ce_dir, work_dir, archive_path, status, exit_code, error, options
		 FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *Storage) DeleteRun(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM steps WHERE run_id = ?`, id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	return err
}

func (s *Storage) CreateStep(step *models.Step) (int64, error) {
	optionsJSON, err := marshalOptions(step.Options)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(
		`INSERT INTO steps (run_id, sequence_num, work_dir, status, exit_code, started_at, completed_at, error, options)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.SequenceNum, step.WorkDir, step.Status,
		step.ExitCode, step.StartedAt, step.CompletedAt, step.Error, optionsJSON,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateStep(step *models.Step) error {
	optionsJSON, err := marshalOptions(step.Options)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE steps SET work_dir = ?, status = ?, exit_code = ?, started_at = ?, completed_at = ?, error = ?, options = ? WHERE id = ?`,
		step.WorkDir, step.Status, step.ExitCode, step.StartedAt,
		step.CompletedAt, step.Error, optionsJSON, step.ID,
	)
	return err
}

func (s *Storage) GetStepsForRun(runID int64) ([]*models.Step, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, sequence_num, work_dir, status, exit_code, started_at, completed_at, error, options
		 FROM steps WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		var step models.Step
		var exitCode sql.NullInt64
		var startedAt, completedAt sql.NullTime
		var optionsJSON sql.NullString

		err := rows.Scan(
			&step.ID, &step.RunID, &step.SequenceNum, &step.WorkDir, &step.Status,
			&exitCode, &startedAt, &completedAt, &step.Error, &optionsJSON,
		)
		if err != nil {
			return nil, err
		}

		if exitCode.Valid {
			code := int(exitCode.Int64)
			step.ExitCode = &code
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		if optionsJSON.Valid {
			var opts map[string]any
			if err := json.Unmarshal([]byte(optionsJSON.String), &opts); err == nil {
				step.Options = opts
			}
		}

		steps = append(steps, &step)
	}

	return steps, rows.Err()
}
