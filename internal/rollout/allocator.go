package rollout

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Bucket is the routing result for one signal.
type Bucket string

const (
	BucketTest    Bucket = "TEST"
	BucketControl Bucket = "CONTROL"
)

const fullScale = 10000 // basis points

// Allocator routes individual signals to the test or control path with the
// probability of the current stage percentage. Safe for concurrent use; the
// percentage can be changed while signals are being routed.
type Allocator struct {
	bps atomic.Uint32
}

// NewAllocator returns an allocator set to pct.
func NewAllocator(pct decimal.Decimal) *Allocator {
	a := &Allocator{}
	a.Set(pct)
	return a
}

// Set changes the allocation. Values are clamped to [0, 100].
func (a *Allocator) Set(pct decimal.Decimal) {
	bps := pct.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	bps = max(0, min(fullScale, bps))
	a.bps.Store(uint32(bps))
}

// Percentage returns the current allocation.
func (a *Allocator) Percentage() decimal.Decimal {
	return decimal.New(int64(a.bps.Load()), -2)
}

// Route draws a bucket for one signal.
func (a *Allocator) Route() Bucket {
	bps := a.bps.Load()
	if bps >= fullScale {
		return BucketTest
	}
	if bps > 0 && rand.Uint32N(fullScale) < bps {
		return BucketTest
	}
	return BucketControl
}
