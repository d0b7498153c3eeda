package archivedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/frostlabs/frost-archiver/archiver/model"
	"github.com/frostlabs/frost-archiver/jsonrs"
)

const (
	jobsTableName    = "archive_jobs"
	targetsTableName = "archive_targets"
	nodesTableName   = "archive_nodes"
	usersTableName   = "archive_users"

	jobColumns = `
		id,
		source_id,
		destination_id,
		initiator_id,
		errors,
		started_at,
		created_at,
		updated_at
	`
	targetColumns = `
		addon_name,
		state,
		stat,
		errors
	`
)

// Postgres is the production JobsDB, keeping each target in its own row so
// concurrent pipeline stages writing different targets never overwrite each
// other.
type Postgres struct {
	base
	db *sql.DB
}

func NewPostgres(db *sql.DB, opts ...Opt) *Postgres {
	return &Postgres{
		base: newBase(opts),
		db:   db,
	}
}

func (p *Postgres) CreateJob(ctx context.Context, job model.ArchiveJob) (model.ArchiveJob, error) {
	if job.ID == "" {
		return model.ArchiveJob{}, fmt.Errorf("creating job: empty job id")
	}

	now := p.now().UTC()
	stored := model.ArchiveJob{
		ID:            job.ID,
		SourceID:      job.SourceID,
		DestinationID: job.DestinationID,
		InitiatorID:   job.InitiatorID,
		Targets:       normalizeTargets(job.Targets),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO `+jobsTableName+` (
				id,
				source_id,
				destination_id,
				initiator_id,
				errors,
				created_at,
				updated_at
			)
			VALUES ($1, $2, $3, $4, '[]', $5, $5);
		`, stored.ID, stored.SourceID, stored.DestinationID, stored.InitiatorID, now)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
				return fmt.Errorf("creating job: job %q already exists", stored.ID)
			}
			return fmt.Errorf("inserting job: %w", err)
		}
		for _, target := range stored.Targets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO `+targetsTableName+` (
					job_id,
					addon_name,
					state,
					errors,
					created_at,
					updated_at
				)
				VALUES ($1, $2, $3, '[]', $4, $4);
			`, stored.ID, target.Name, string(target.State), now)
			if err != nil {
				return fmt.Errorf("inserting target %q: %w", target.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.ArchiveJob{}, err
	}
	return stored, nil
}

func (p *Postgres) GetJob(ctx context.Context, jobID string) (model.ArchiveJob, error) {
	var (
		job       model.ArchiveJob
		errorsRaw []byte
		startedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM `+jobsTableName+` WHERE id = $1;
	`, jobID).Scan(
		&job.ID,
		&job.SourceID,
		&job.DestinationID,
		&job.InitiatorID,
		&errorsRaw,
		&startedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ArchiveJob{}, fmt.Errorf("job %q: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return model.ArchiveJob{}, fmt.Errorf("scanning job: %w", err)
	}
	if err := jsonrs.Unmarshal(errorsRaw, &job.Errors); err != nil {
		return model.ArchiveJob{}, fmt.Errorf("unmarshalling job errors: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()

	targets, err := p.jobTargets(ctx, jobID)
	if err != nil {
		return model.ArchiveJob{}, err
	}
	job.Targets = targets
	return job, nil
}

func (p *Postgres) jobTargets(ctx context.Context, jobID string) ([]model.Target, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+targetColumns+`
		FROM `+targetsTableName+`
		WHERE job_id = $1
		ORDER BY addon_name ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var targets []model.Target
	for rows.Next() {
		target, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating targets: %w", err)
	}
	return targets, nil
}

func scanTarget(scan func(...any) error) (model.Target, error) {
	var (
		target    model.Target
		state     string
		statRaw   []byte
		errorsRaw []byte
	)
	if err := scan(&target.Name, &state, &statRaw, &errorsRaw); err != nil {
		return model.Target{}, fmt.Errorf("scanning target: %w", err)
	}
	target.State = model.TargetState(state)
	if len(statRaw) > 0 {
		var stat model.StatResult
		if err := jsonrs.Unmarshal(statRaw, &stat); err != nil {
			return model.Target{}, fmt.Errorf("unmarshalling target stat: %w", err)
		}
		target.Stat = &stat
	}
	if err := jsonrs.Unmarshal(errorsRaw, &target.Errors); err != nil {
		return model.Target{}, fmt.Errorf("unmarshalling target errors: %w", err)
	}
	return target, nil
}

func (p *Postgres) RunnableJobIDs(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM `+jobsTableName+`
		WHERE started_at IS NULL
		ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("querying runnable jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runnable jobs: %w", err)
	}
	return ids, nil
}

func (p *Postgres) ClaimJob(ctx context.Context, jobID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE `+jobsTableName+`
		SET started_at = $2, updated_at = $2
		WHERE id = $1 AND started_at IS NULL;
	`, jobID, p.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming job: rows affected: %w", err)
	}
	return affected == 1, nil
}

func (p *Postgres) UpdateTarget(ctx context.Context, jobID, addonName string, state model.TargetState, opts ...UpdateTargetOpt) error {
	options := applyUpdateTargetOpts(opts)
	return p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+targetColumns+`
			FROM `+targetsTableName+`
			WHERE job_id = $1 AND addon_name = $2
			FOR UPDATE;
		`, jobID, addonName)
		target, err := scanTarget(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %q target %q: %w", jobID, addonName, ErrNotFound)
		}
		if err != nil {
			return err
		}
		target.Name = addonName

		if err := applyTargetUpdate(&target, state, options); err != nil {
			return err
		}

		var statRaw any
		if target.Stat != nil {
			statRaw, err = jsonrs.Marshal(target.Stat)
			if err != nil {
				return fmt.Errorf("marshalling target stat: %w", err)
			}
		}
		errorsRaw, err := jsonrs.Marshal(errorDocs(target.Errors))
		if err != nil {
			return fmt.Errorf("marshalling target errors: %w", err)
		}

		now := p.now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE `+targetsTableName+`
			SET state = $3, stat = $4, errors = $5, updated_at = $6
			WHERE job_id = $1 AND addon_name = $2;
		`, jobID, addonName, string(target.State), statRaw, errorsRaw, now)
		if err != nil {
			return fmt.Errorf("updating target: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE `+jobsTableName+` SET updated_at = $2 WHERE id = $1;
		`, jobID, now)
		if err != nil {
			return fmt.Errorf("touching job: %w", err)
		}
		return nil
	})
}

func (p *Postgres) AppendJobError(ctx context.Context, jobID string, errDoc json.RawMessage) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var errorsRaw []byte
		err := tx.QueryRowContext(ctx, `
			SELECT errors FROM `+jobsTableName+` WHERE id = $1 FOR UPDATE;
		`, jobID).Scan(&errorsRaw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %q: %w", jobID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("scanning job errors: %w", err)
		}
		var docs []json.RawMessage
		if err := jsonrs.Unmarshal(errorsRaw, &docs); err != nil {
			return fmt.Errorf("unmarshalling job errors: %w", err)
		}
		merged, err := jsonrs.Marshal(errorDocs(model.MergeErrors(docs, []json.RawMessage{errDoc})))
		if err != nil {
			return fmt.Errorf("marshalling job errors: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE `+jobsTableName+` SET errors = $2, updated_at = $3 WHERE id = $1;
		`, jobID, merged, p.now().UTC())
		if err != nil {
			return fmt.Errorf("updating job errors: %w", err)
		}
		return nil
	})
}

func (p *Postgres) GetNode(ctx context.Context, nodeID string) (model.Node, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT doc FROM `+nodesTableName+` WHERE id = $1;
	`, nodeID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Node{}, fmt.Errorf("node %q: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return model.Node{}, fmt.Errorf("scanning node: %w", err)
	}
	var node model.Node
	if err := jsonrs.Unmarshal(doc, &node); err != nil {
		return model.Node{}, fmt.Errorf("unmarshalling node: %w", err)
	}
	if node.ID == "" {
		node.ID = nodeID
	}
	return node, nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (model.User, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT doc FROM `+usersTableName+` WHERE id = $1;
	`, userID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("scanning user: %w", err)
	}
	var user model.User
	if err := jsonrs.Unmarshal(doc, &user); err != nil {
		return model.User{}, fmt.Errorf("unmarshalling user: %w", err)
	}
	if user.ID == "" {
		user.ID = userID
	}
	return user, nil
}

func (p *Postgres) Info(ctx context.Context, jobID string) (model.JobInfo, error) {
	job, err := p.GetJob(ctx, jobID)
	if err != nil {
		return model.JobInfo{}, err
	}
	return resolveInfo(ctx, p, job)
}

// PutNode stores a platform node document, see Memory.PutNode.
func (p *Postgres) PutNode(ctx context.Context, node model.Node) error {
	doc, err := jsonrs.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshalling node: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO `+nodesTableName+` (id, doc)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc;
	`, node.ID, doc)
	if err != nil {
		return fmt.Errorf("storing node: %w", err)
	}
	return nil
}

// PutUser stores a platform user document, see Memory.PutUser.
func (p *Postgres) PutUser(ctx context.Context, user model.User) error {
	doc, err := jsonrs.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshalling user: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO `+usersTableName+` (id, doc)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc;
	`, user.ID, doc)
	if err != nil {
		return fmt.Errorf("storing user: %w", err)
	}
	return nil
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// errorDocs guarantees a JSON array even when there are no entries, keeping
// the jsonb column non-null.
func errorDocs(docs []json.RawMessage) []json.RawMessage {
	if docs == nil {
		return []json.RawMessage{}
	}
	return docs
}
