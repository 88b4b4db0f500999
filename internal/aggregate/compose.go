package aggregate

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
)

// Child is one child task's contribution to an aggregate.
type Child struct {
	TaskID uuid.UUID
	Status domain.TaskStatus
	// Text is the result text; only meaningful when Status is Completed.
	Text string
}

// KindAggregate is the composed output for the children of one media kind.
type KindAggregate struct {
	Kind domain.MediaKind `json:"kind"`
	// Text is empty until Ready.
	Text     string `json:"text"`
	Included int    `json:"included"`
	Skipped  int    `json:"skipped"`
	// Ready is true once every child of this kind is terminal.
	Ready bool `json:"ready"`
	// Present reports whether the parent has children of this kind at all.
	Present bool `json:"present"`
}

// Compose folds children, in declared order, into one aggregate. Completed
// children contribute their text joined by delimiter; Failed children are
// counted as skipped. Nothing is composed while any child is non-terminal.
//
// header, when set, is written on its own line before each included child;
// a %d verb in it is replaced by the child's 1-based position.
func Compose(kind domain.MediaKind, children []Child, delimiter, header string) KindAggregate {
	agg := KindAggregate{Kind: kind, Present: len(children) > 0, Ready: true}
	for _, c := range children {
		if !c.Status.IsTerminal() {
			agg.Ready = false
			return agg
		}
	}

	parts := make([]string, 0, len(children))
	for i, c := range children {
		if c.Status != domain.TaskStatusCompleted {
			agg.Skipped++
			continue
		}
		agg.Included++
		parts = append(parts, withHeader(header, i+1, c.Text))
	}
	agg.Text = strings.Join(parts, delimiter)
	return agg
}

func withHeader(header string, pos int, text string) string {
	if header == "" {
		return text
	}
	// %d is the only placeholder; any other % is literal.
	return strings.ReplaceAll(header, "%d", strconv.Itoa(pos)) + "\n" + text
}
