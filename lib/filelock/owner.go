package filelock

import (
	"context"
	"sync/atomic"
)

// Owner identifies the holder of a lock for reentrancy purposes. Goroutines
// have no identity in Go, so a caller that wants to nest acquisitions of
// the same path attaches an Owner to its context. Acquisitions without an
// owner are anonymous: each one is independent and never reentrant.
type Owner uint64

// anonymous is the owner of acquisitions made without an Owner.
const anonymous Owner = 0

type ownerKey struct{}

var ownerSeq atomic.Uint64

// NewOwner returns a process-wide unique owner.
func NewOwner() Owner {
	return Owner(ownerSeq.Add(1))
}

// WithOwner returns a child context carrying a fresh owner.
func WithOwner(ctx context.Context) context.Context {
	return ContextWithOwner(ctx, NewOwner())
}

// ContextWithOwner returns a child context carrying the given owner.
func ContextWithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the owner carried by ctx, or the anonymous owner.
func OwnerFromContext(ctx context.Context) Owner {
	if owner, ok := ctx.Value(ownerKey{}).(Owner); ok {
		return owner
	}
	return anonymous
}
