package warehouse

import (
	"context"
	"errors"
	"sync"

	"github.com/byluca/ct-medical-images/internal/platform/store"
)

var errBoom = errors.New("boom")

// flakyStore wraps a MemoryStore and fails the next N write or lookup calls
// against one collection.
type flakyStore struct {
	*store.MemoryStore
	target string

	mu       sync.Mutex
	failures int
}

func newFlakyStore(target string, failures int) *flakyStore {
	return &flakyStore{MemoryStore: store.NewMemoryStore(), target: target, failures: failures}
}

func (f *flakyStore) Collection(name string) store.Collection {
	c := f.MemoryStore.Collection(name)
	if name != f.target {
		return c
	}
	return &flakyCollection{Collection: c, owner: f}
}

func (f *flakyStore) trip() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == 0 {
		return false
	}
	f.failures--
	return true
}

type flakyCollection struct {
	store.Collection
	owner *flakyStore
}

func (c *flakyCollection) FindOne(ctx context.Context, filter store.Filter) (store.Document, error) {
	if c.owner.trip() {
		return nil, errBoom
	}
	return c.Collection.FindOne(ctx, filter)
}

func (c *flakyCollection) InsertIfAbsent(ctx context.Context, keyField string, doc store.Document) (bool, error) {
	if c.owner.trip() {
		return false, errBoom
	}
	return c.Collection.InsertIfAbsent(ctx, keyField, doc)
}

// countingCollection records how many lookups and inserts reached the
// wrapped collection.
type countingCollection struct {
	store.Collection
	finds   int
	inserts int
}

func (c *countingCollection) FindOne(ctx context.Context, filter store.Filter) (store.Document, error) {
	c.finds++
	return c.Collection.FindOne(ctx, filter)
}

func (c *countingCollection) InsertOne(ctx context.Context, doc store.Document) error {
	c.inserts++
	return c.Collection.InsertOne(ctx, doc)
}

func (c *countingCollection) InsertIfAbsent(ctx context.Context, keyField string, doc store.Document) (bool, error) {
	ok, err := c.Collection.InsertIfAbsent(ctx, keyField, doc)
	if ok {
		c.inserts++
	}
	return ok, err
}

func sampleRecord() MapRecord {
	return MapRecord{
		TagPatientID:          {"PAT001"},
		TagPatientSex:         {"M"},
		TagPatientAge:         {"061Y"},
		TagManufacturer:       {"GE"},
		TagModelName:          {"Optima"},
		TagBodyPartExamined:   {"CHEST"},
		TagPatientPosition:    {"HFS"},
		TagRows:               {"512"},
		TagColumns:            {"512"},
		TagPixelSpacing:       {"0.703125", "0.62"},
		TagSliceThickness:     {"5.0"},
		TagPhotometricInterp:  {"MONOCHROME2"},
		TagAcquisitionDate:    {"20200314"},
		TagExposureTime:       {"1000"},
		TagXRayTubeCurrent:    {"300"},
		TagContrastBolusAgent: {"IODINE"},
	}
}
