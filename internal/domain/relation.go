package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RelationStatus is the derived status of a parent relation.
type RelationStatus string

// Possible relation status values
const (
	RelationStatusPending    RelationStatus = "pending"
	RelationStatusProcessing RelationStatus = "processing"
	RelationStatusCompleted  RelationStatus = "completed"
	RelationStatusFailed     RelationStatus = "failed"
)

// ChildSet holds a parent's child task ids partitioned by media kind, each
// in declared order.
type ChildSet struct {
	Images []uuid.UUID `json:"images"`
	Videos []uuid.UUID `json:"videos"`
}

// All returns image children followed by video children.
func (c ChildSet) All() []uuid.UUID {
	all := make([]uuid.UUID, 0, len(c.Images)+len(c.Videos))
	all = append(all, c.Images...)
	return append(all, c.Videos...)
}

// Len is the total number of children.
func (c ChildSet) Len() int { return len(c.Images) + len(c.Videos) }

// Validate rejects empty and duplicated child sets.
func (c ChildSet) Validate() error {
	if c.Len() == 0 {
		return fmt.Errorf("%w: relation has no children", ErrValidation)
	}
	seen := make(map[uuid.UUID]struct{}, c.Len())
	for _, id := range c.All() {
		if id == uuid.Nil {
			return fmt.Errorf("%w: relation child id is empty", ErrValidation)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: relation child %s listed twice", ErrValidation, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ParentRelation binds a parent entity to its child tasks. Each row is an
// immutable snapshot: re-submission produces a new version.
type ParentRelation struct {
	ID        uuid.UUID `json:"id"`
	ParentKey string    `json:"parent_key"`
	Version   int       `json:"version"`
	Children  ChildSet  `json:"children"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeParentKey trims the key and, for URLs, drops query and fragment
// so tracking parameters do not split one parent into several.
func NormalizeParentKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: parent key is empty", ErrValidation)
	}
	u, err := url.Parse(key)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return key, nil
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

// DeriveRelationStatus computes a parent's status from its children's
// statuses. It is Completed once every child is terminal and at least one
// completed, Failed once every child failed, Pending while no child has
// left Pending and Processing otherwise.
func DeriveRelationStatus(children []TaskStatus) RelationStatus {
	if len(children) == 0 {
		return RelationStatusPending
	}

	allTerminal, allPending, anyCompleted := true, true, false
	for _, s := range children {
		if !s.IsTerminal() {
			allTerminal = false
		}
		if s != TaskStatusPending {
			allPending = false
		}
		if s == TaskStatusCompleted {
			anyCompleted = true
		}
	}

	switch {
	case allTerminal && anyCompleted:
		return RelationStatusCompleted
	case allTerminal:
		return RelationStatusFailed
	case allPending:
		return RelationStatusPending
	default:
		return RelationStatusProcessing
	}
}
