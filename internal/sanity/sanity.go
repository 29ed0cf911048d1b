// Package sanity implements the sanity checker (spec §4.10): confirms
// every child leaf a note claims actually resolves locally, feeding the
// shared corruptedEntries registry when it doesn't.
package sanity

import (
	"context"

	"github.com/i5heu/leafsync/internal/corrupt"
	"github.com/i5heu/leafsync/pkg/docdb"
	"github.com/i5heu/leafsync/pkg/model"
)

// Checker runs sanCheck against a local docdb.DB.
type Checker struct {
	db        docdb.DB
	corrupted *corrupt.Registry
}

// New creates a Checker.
func New(db docdb.DB, corrupted *corrupt.Registry) *Checker {
	return &Checker{db: db, corrupted: corrupted}
}

// Check implements sanCheck(note): for {plain, newnote} notes, confirms
// every child resolves via a single allDocs(keys=children) call. Other
// note types are trivially sane (no children to resolve).
func (c *Checker) Check(ctx context.Context, note *model.Note) (bool, error) {
	if note.Type != model.TypePlain && note.Type != model.TypeNewNote {
		return true, nil
	}
	if len(note.Children) == 0 {
		return true, nil
	}

	rows, err := c.db.AllDocs(ctx, docdb.AllDocsOptions{Keys: note.Children, IncludeDocs: true})
	if err != nil {
		return false, err
	}

	for _, row := range rows {
		if row.Err != nil {
			c.corrupted.Mark(note.ID)
			return false, nil
		}
	}
	return true, nil
}
