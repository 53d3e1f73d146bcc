package warehouse

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/byluca/ct-medical-images/internal/platform/store"
)

// CollectionCount is the row count of one warehouse collection.
type CollectionCount struct {
	Collection string `json:"collection"`
	Count      int64  `json:"count"`
}

// Counts returns the row count of every warehouse collection, dimensions
// first, in the order of Collections. Collections are counted concurrently.
func Counts(ctx context.Context, st store.Store) ([]CollectionCount, error) {
	names := Collections()
	out := make([]CollectionCount, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			n, err := st.Collection(name).CountDocuments(gctx, nil)
			if err != nil {
				return fmt.Errorf("count %s: %w", name, err)
			}
			out[i] = CollectionCount{Collection: name, Count: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DimensionByName looks up a dimension by its short name ("patient") or its
// collection name ("dim_patient").
func DimensionByName(name string) (Dimension, bool) {
	for _, d := range Dimensions {
		if d.Name == name || d.Collection == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// FactFilter builds an equality filter over fact rows from surrogate key
// values. Only dimension key fields are accepted; empty values are ignored.
func FactFilter(values map[string]string) (store.Filter, error) {
	f := store.Filter{}
	for field, v := range values {
		if v == "" {
			continue
		}
		if !isKeyField(field) {
			return nil, fmt.Errorf("unknown fact filter %q", field)
		}
		f[field] = v
	}
	return f, nil
}

func isKeyField(field string) bool {
	for _, d := range Dimensions {
		if d.KeyField == field {
			return true
		}
	}
	return false
}

// Page is one page of documents from a collection plus the total match count.
type Page struct {
	Docs  []store.Document
	Total int64
}

// List returns a page of documents from coll matching filter.
func List(ctx context.Context, coll store.Collection, filter store.Filter, limit, offset int) (Page, error) {
	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("count %s: %w", coll.Name(), err)
	}
	docs, err := coll.Find(ctx, filter, limit, offset)
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", coll.Name(), err)
	}
	if docs == nil {
		docs = []store.Document{}
	}
	return Page{Docs: docs, Total: total}, nil
}
