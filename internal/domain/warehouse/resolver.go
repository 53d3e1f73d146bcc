package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/byluca/ct-medical-images/internal/platform/store"
)

// Resolver implements get-or-create for dimension rows.
//
// By default it reads then inserts with no locking. Two concurrent writers can
// both miss and both insert, which leaves two equivalent rows sharing one
// key; readers tolerate that because the key is derived from the attributes.
// WithAtomicInsert switches to the store's InsertIfAbsent primitive.
type Resolver struct {
	atomic  bool
	logger  zerolog.Logger
	created func(dim string)
	known   *cache.Cache
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithAtomicInsert makes GetOrCreate use Collection.InsertIfAbsent.
func WithAtomicInsert() ResolverOption {
	return func(r *Resolver) { r.atomic = true }
}

// WithResolverLogger sets the logger used for row creation events.
func WithResolverLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// OnCreate registers a callback invoked with the collection name whenever a
// new dimension row is written.
func OnCreate(fn func(collection string)) ResolverOption {
	return func(r *Resolver) { r.created = fn }
}

// WithResolverKeyCache remembers keys known to exist so repeated attribute sets skip
// the store round trip. Dimension rows are never mutated or deleted, so a
// remembered key stays valid for the life of the store.
func WithResolverKeyCache() ResolverOption {
	return func(r *Resolver) { r.known = cache.New(cache.NoExpiration, 0) }
}

// NewResolver returns a Resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{logger: zerolog.Nop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetOrCreate returns the surrogate key for attrs, inserting a row into coll
// when no row with that key exists yet.
func (r *Resolver) GetOrCreate(ctx context.Context, coll store.Collection, attrs Attributes, keyField string) (string, error) {
	key := DeriveKey(attrs)
	ck := coll.Name() + ":" + key
	if r.known != nil {
		if _, ok := r.known.Get(ck); ok {
			return key, nil
		}
	}

	if r.atomic {
		inserted, err := coll.InsertIfAbsent(ctx, keyField, attrs.Document(keyField, key))
		if err != nil {
			return "", fmt.Errorf("insert %s row: %w", coll.Name(), err)
		}
		if inserted {
			r.noteCreated(coll.Name(), keyField, key)
		}
		r.remember(ck)
		return key, nil
	}

	_, err := coll.FindOne(ctx, store.Filter{keyField: key})
	if err == nil {
		r.remember(ck)
		return key, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("lookup %s row: %w", coll.Name(), err)
	}

	if err := coll.InsertOne(ctx, attrs.Document(keyField, key)); err != nil {
		return "", fmt.Errorf("insert %s row: %w", coll.Name(), err)
	}
	r.noteCreated(coll.Name(), keyField, key)
	r.remember(ck)
	return key, nil
}

func (r *Resolver) remember(ck string) {
	if r.known != nil {
		r.known.SetDefault(ck, struct{}{})
	}
}

func (r *Resolver) noteCreated(collection, keyField, key string) {
	r.logger.Debug().Str("collection", collection).Str(keyField, key).Msg("dimension row created")
	if r.created != nil {
		r.created(collection)
	}
}

// ResolveAll resolves every dimension of an extraction against st.
func (r *Resolver) ResolveAll(ctx context.Context, st store.Store, ex Extraction) (Keys, error) {
	var keys Keys
	targets := []struct {
		dim   Dimension
		attrs Attributes
		dst   *string
	}{
		{DimPatient, ex.Patient, &keys.Patient},
		{DimStation, ex.Station, &keys.Station},
		{DimProtocol, ex.Protocol, &keys.Protocol},
		{DimImage, ex.Image, &keys.Image},
		{DimDate, ex.Date, &keys.Date},
	}
	for _, t := range targets {
		k, err := r.GetOrCreate(ctx, st.Collection(t.dim.Collection), t.attrs, t.dim.KeyField)
		if err != nil {
			return Keys{}, fmt.Errorf("resolve %s dimension: %w", t.dim.Name, err)
		}
		*t.dst = k
	}
	return keys, nil
}
