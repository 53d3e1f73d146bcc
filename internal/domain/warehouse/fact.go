package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/byluca/ct-medical-images/internal/platform/store"
)

// Outcome reports what the fact loader did with one fact row.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate" // a row with the same file_path exists
	OutcomeSkipped   Outcome = "skipped"   // no thumbnail path, nothing to key on
)

// FactLoader writes fact rows, at most one per file_path.
type FactLoader struct {
	coll   store.Collection
	atomic bool
}

// NewFactLoader returns a loader writing to coll. With atomic set it uses
// InsertIfAbsent instead of a lookup followed by an insert.
func NewFactLoader(coll store.Collection, atomic bool) *FactLoader {
	return &FactLoader{coll: coll, atomic: atomic}
}

// Load inserts f unless its file path is empty or already present.
func (l *FactLoader) Load(ctx context.Context, f Fact) (Outcome, error) {
	if f.FilePath == "" {
		return OutcomeSkipped, nil
	}

	if l.atomic {
		inserted, err := l.coll.InsertIfAbsent(ctx, FactKeyField, f.Document())
		if err != nil {
			return "", fmt.Errorf("insert fact: %w", err)
		}
		if !inserted {
			return OutcomeDuplicate, nil
		}
		return OutcomeInserted, nil
	}

	_, err := l.coll.FindOne(ctx, store.Filter{FactKeyField: f.FilePath})
	if err == nil {
		return OutcomeDuplicate, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("lookup fact: %w", err)
	}
	if err := l.coll.InsertOne(ctx, f.Document()); err != nil {
		return "", fmt.Errorf("insert fact: %w", err)
	}
	return OutcomeInserted, nil
}
