package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"kernelci.org/api/core/db"
	"kernelci.org/api/internal/model"
)

type nodeStore struct {
	db *db.DB
}

func newNodeStore(database *db.DB) NodeStore {
	return &nodeStore{db: database}
}

const nodeColumnsSQL = `id, kind, name, path, parent, "group", state, result, owner,
	user_groups, data, artifacts, created, updated, holdoff, timeout, retry_counter`

func (s *nodeStore) Create(ctx context.Context, node *model.Node) error {
	data, artifacts, err := marshalNodePayload(node)
	if err != nil {
		return err
	}

	return withRetry(ctx, func() error {
		_, err := s.db.Pool().Exec(ctx, `
			INSERT INTO node (`+nodeColumnsSQL+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			node.ID, node.Kind, node.Name, node.Path, node.Parent, node.Group,
			node.State, node.Result, node.Owner, node.UserGroups, data, artifacts,
			node.Created, node.Updated, node.Holdoff, node.Timeout, node.RetryCounter,
		)
		return err
	})
}

func (s *nodeStore) Update(ctx context.Context, node *model.Node, expectedUpdated time.Time) error {
	data, artifacts, err := marshalNodePayload(node)
	if err != nil {
		return err
	}

	return withRetry(ctx, func() error {
		tag, err := s.db.Pool().Exec(ctx, `
			UPDATE node SET
				"group" = $1, state = $2, result = $3, user_groups = $4,
				data = $5, artifacts = $6, updated = $7, holdoff = $8,
				timeout = $9, retry_counter = $10
			WHERE id = $11 AND updated = $12`,
			node.Group, node.State, node.Result, node.UserGroups,
			data, artifacts, node.Updated, node.Holdoff,
			node.Timeout, node.RetryCounter,
			node.ID, expectedUpdated,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := s.db.Pool().QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM node WHERE id = $1)`, node.ID,
			).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: node %d modified concurrently", ErrConflict, node.ID)
			}
			return ErrNotFound
		}
		return nil
	})
}

func (s *nodeStore) Get(ctx context.Context, id int64) (*model.Node, error) {
	var node *model.Node
	err := withRetry(ctx, func() error {
		row := s.db.Pool().QueryRow(ctx,
			`SELECT `+nodeColumnsSQL+` FROM node WHERE id = $1`, id)
		n, err := scanNode(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		node = n
		return nil
	})
	return node, err
}

func (s *nodeStore) Query(ctx context.Context, filter *Filter, limit, offset int) ([]model.Node, error) {
	where, args := filter.Where()
	sql := fmt.Sprintf(
		`SELECT `+nodeColumnsSQL+` FROM node %s ORDER BY created, id LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var nodes []model.Node
	err := withRetry(ctx, func() error {
		rows, err := s.db.Pool().Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		nodes, err = collectNodes(rows)
		return err
	})
	return nodes, err
}

func (s *nodeStore) Count(ctx context.Context, filter *Filter) (int64, error) {
	where, args := filter.Where()
	var count int64
	err := withRetry(ctx, func() error {
		return s.db.Pool().QueryRow(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM node %s`, where), args...,
		).Scan(&count)
	})
	return count, err
}

func (s *nodeStore) Children(ctx context.Context, parent int64) ([]model.Node, error) {
	return s.selectNodes(ctx,
		`SELECT `+nodeColumnsSQL+` FROM node WHERE parent = $1 ORDER BY id`, parent)
}

func (s *nodeStore) Descendants(ctx context.Context, path []string) ([]model.Node, error) {
	return s.selectNodes(ctx, `
		SELECT `+nodeColumnsSQL+` FROM node
		WHERE path[1:$2] = $1 AND cardinality(path) > $2 AND state <> 'done'
		ORDER BY cardinality(path), id`,
		path, len(path))
}

func (s *nodeStore) DueTimeout(ctx context.Context, now time.Time) ([]model.Node, error) {
	return s.selectNodes(ctx, `
		SELECT `+nodeColumnsSQL+` FROM node
		WHERE state <> 'done' AND timeout <= $1
		ORDER BY timeout, id`, now)
}

func (s *nodeStore) DueHoldoff(ctx context.Context, now time.Time) ([]model.Node, error) {
	return s.selectNodes(ctx, `
		SELECT `+nodeColumnsSQL+` FROM node
		WHERE state = 'available' AND holdoff IS NOT NULL AND holdoff <= $1 AND timeout > $1
		ORDER BY holdoff, id`, now)
}

func (s *nodeStore) InClosing(ctx context.Context, now time.Time) ([]model.Node, error) {
	return s.selectNodes(ctx, `
		SELECT `+nodeColumnsSQL+` FROM node
		WHERE state = 'closing' AND timeout > $1
		ORDER BY id`, now)
}

func (s *nodeStore) selectNodes(ctx context.Context, sql string, args ...any) ([]model.Node, error) {
	var nodes []model.Node
	err := withRetry(ctx, func() error {
		rows, err := s.db.Pool().Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		nodes, err = collectNodes(rows)
		return err
	})
	return nodes, err
}

func collectNodes(rows pgx.Rows) ([]model.Node, error) {
	var nodes []model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, *node)
	}
	return nodes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	var (
		node      model.Node
		data      []byte
		artifacts []byte
	)
	err := row.Scan(
		&node.ID, &node.Kind, &node.Name, &node.Path, &node.Parent, &node.Group,
		&node.State, &node.Result, &node.Owner, &node.UserGroups, &data, &artifacts,
		&node.Created, &node.Updated, &node.Holdoff, &node.Timeout, &node.RetryCounter,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &node.Data); err != nil {
		return nil, fmt.Errorf("decoding node data: %w", err)
	}
	if artifacts != nil {
		if err := json.Unmarshal(artifacts, &node.Artifacts); err != nil {
			return nil, fmt.Errorf("decoding node artifacts: %w", err)
		}
	}
	return &node, nil
}

func marshalNodePayload(node *model.Node) ([]byte, []byte, error) {
	if node.Data == nil {
		node.Data = map[string]any{}
	}
	data, err := json.Marshal(node.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding node data: %w", err)
	}
	var artifacts []byte
	if node.Artifacts != nil {
		artifacts, err = json.Marshal(node.Artifacts)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding node artifacts: %w", err)
		}
	}
	return data, artifacts, nil
}
