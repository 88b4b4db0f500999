package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/store"
)

const relationColumns = `r.id, r.parent_key, r.version, r.created_at`

// latestOnly restricts r to the newest snapshot of its parent.
const latestOnly = `r.version = (SELECT MAX(v.version) FROM parent_relations v WHERE v.parent_key = r.parent_key)`

// GetRelation implements store.RelationStore.
func (s *Store) GetRelation(ctx context.Context, parentKey string) (*domain.ParentRelation, error) {
	rels, err := s.queryRelations(ctx, `SELECT `+relationColumns+` FROM parent_relations r
		WHERE r.parent_key = ? ORDER BY r.version DESC LIMIT 1`, parentKey)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, store.ErrRelationNotFound
	}
	return rels[0], nil
}

// UpsertRelation implements store.RelationStore.
func (s *Store) UpsertRelation(
	ctx context.Context,
	parentKey string,
	children domain.ChildSet,
) (*domain.ParentRelation, error) {
	if parentKey == "" {
		return nil, fmt.Errorf("%w: parent key is empty", store.ErrInvalidEntity)
	}
	if err := children.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	rel := &domain.ParentRelation{
		ID:        uuid.New(),
		ParentKey: parentKey,
		Children:  children,
		CreatedAt: s.now(),
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.checkChildrenExist(ctx, tx, children.All()); err != nil {
			return err
		}

		var current int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(version), 0) FROM parent_relations
			WHERE parent_key = ?`), parentKey).Scan(&current); err != nil {
			return fmt.Errorf("failed to read relation version: %w", MapError(err))
		}
		rel.Version = current + 1

		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO parent_relations (id, parent_key, version, created_at)
			VALUES (?, ?, ?, ?)`), rel.ID, parentKey, rel.Version, s.dialect.Time(rel.CreatedAt)); err != nil {
			mapped := MapError(err)
			if errors.Is(mapped, store.ErrDuplicate) {
				// A concurrent submission took this version.
				return fmt.Errorf("%w: relation %s version %d already written", store.ErrConflict, parentKey, rel.Version)
			}
			return fmt.Errorf("failed to save relation: %w", mapped)
		}

		insert := s.q(`INSERT INTO relation_children (relation_id, task_id, kind, position) VALUES (?, ?, ?, ?)`)
		for kind, ids := range map[domain.MediaKind][]uuid.UUID{
			domain.MediaKindImage: children.Images,
			domain.MediaKindVideo: children.Videos,
		} {
			for pos, id := range ids {
				if _, err := tx.ExecContext(ctx, insert, rel.ID, id, string(kind), pos); err != nil {
					return fmt.Errorf("failed to save relation child: %w", MapError(err))
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

func (s *Store) checkChildrenExist(ctx context.Context, db store.DBTX, ids []uuid.UUID) error {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	var n int
	err := db.QueryRowContext(ctx,
		s.q(`SELECT COUNT(*) FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`), args...).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check relation children: %w", MapError(err))
	}
	if n != len(ids) {
		return fmt.Errorf("%w: relation references %d unknown tasks", store.ErrInvalidEntity, len(ids)-n)
	}
	return nil
}

// ListRelations implements store.RelationStore.
func (s *Store) ListRelations(ctx context.Context, limit, offset int) ([]*domain.ParentRelation, error) {
	page, args := s.dialect.Page(limit, offset)
	return s.queryRelations(ctx, `SELECT `+relationColumns+` FROM parent_relations r
		WHERE `+latestOnly+`
		ORDER BY r.created_at, r.parent_key`+page, args...)
}

// FindRelationsByTask implements store.RelationStore.
func (s *Store) FindRelationsByTask(ctx context.Context, taskID uuid.UUID) ([]*domain.ParentRelation, error) {
	return s.queryRelations(ctx, `SELECT `+relationColumns+` FROM parent_relations r
		WHERE `+latestOnly+`
		AND EXISTS (SELECT 1 FROM relation_children c WHERE c.relation_id = r.id AND c.task_id = ?)
		ORDER BY r.parent_key`, taskID)
}

// queryRelations runs a relation query and attaches each row's children.
func (s *Store) queryRelations(ctx context.Context, query string, args ...any) ([]*domain.ParentRelation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", MapError(err))
	}

	var (
		rels []*domain.ParentRelation
		byID = make(map[uuid.UUID]*domain.ParentRelation)
	)
	for rows.Next() {
		var (
			rel       domain.ParentRelation
			createdAt timeValue
		)
		if err := rows.Scan(&rel.ID, &rel.ParentKey, &rel.Version, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan relation row: %w", err)
		}
		rel.CreatedAt = createdAt.Time
		rels = append(rels, &rel)
		byID[rel.ID] = &rel
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating relation rows: %w", err)
	}
	rows.Close()

	if len(rels) == 0 {
		return nil, nil
	}
	if err := s.attachChildren(ctx, byID); err != nil {
		return nil, err
	}
	return rels, nil
}

func (s *Store) attachChildren(ctx context.Context, byID map[uuid.UUID]*domain.ParentRelation) error {
	args := make([]any, 0, len(byID))
	for id := range byID {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT relation_id, task_id, kind FROM relation_children
		WHERE relation_id IN (`+placeholders(len(args))+`)
		ORDER BY relation_id, kind, position`), args...)
	if err != nil {
		return fmt.Errorf("failed to query relation children: %w", MapError(err))
	}
	defer rows.Close()

	for rows.Next() {
		var (
			relID, taskID uuid.UUID
			kind          domain.MediaKind
		)
		if err := rows.Scan(&relID, &taskID, &kind); err != nil {
			return fmt.Errorf("failed to scan relation child: %w", err)
		}
		rel, ok := byID[relID]
		if !ok {
			continue
		}
		switch kind {
		case domain.MediaKindImage:
			rel.Children.Images = append(rel.Children.Images, taskID)
		case domain.MediaKindVideo:
			rel.Children.Videos = append(rel.Children.Videos, taskID)
		}
	}
	return rows.Err()
}
