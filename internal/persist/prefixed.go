package persist

import (
	"context"
	"strings"
)

// Prefixed scopes every id to one session so sessions can share a backend.
func Prefixed(s Store, sessionID string) Store {
	return &prefixedStore{inner: s, prefix: sessionID + ":"}
}

type prefixedStore struct {
	inner  Store
	prefix string
}

func (p *prefixedStore) Save(ctx context.Context, kind Kind, id string, rec Record) error {
	return p.inner.Save(ctx, kind, p.prefix+id, rec)
}

func (p *prefixedStore) Load(ctx context.Context, kind Kind, id string) (Record, error) {
	return p.inner.Load(ctx, kind, p.prefix+id)
}

func (p *prefixedStore) Delete(ctx context.Context, kind Kind, id string) error {
	return p.inner.Delete(ctx, kind, p.prefix+id)
}

func (p *prefixedStore) Keys(ctx context.Context, kind Kind) ([]string, error) {
	all, err := p.inner.Keys(ctx, kind)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, p.prefix) {
			keys = append(keys, strings.TrimPrefix(k, p.prefix))
		}
	}
	return keys, nil
}

func (p *prefixedStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.inner.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &prefixedTx{inner: tx, prefix: p.prefix}, nil
}

// Close is a no-op; the shared backend is closed by its owner.
func (p *prefixedStore) Close() error { return nil }

type prefixedTx struct {
	inner  Tx
	prefix string
}

func (t *prefixedTx) Save(ctx context.Context, kind Kind, id string, rec Record) error {
	return t.inner.Save(ctx, kind, t.prefix+id, rec)
}

func (t *prefixedTx) Commit(ctx context.Context) error   { return t.inner.Commit(ctx) }
func (t *prefixedTx) Rollback(ctx context.Context) error { return t.inner.Rollback(ctx) }
