// Package arena implements named allocation accounting under a hard byte ceiling.
//
// The arena does not hand out memory. Callers reserve a byte count under a name
// before building a temporary buffer and release it afterwards, so FreeBytes
// reports the headroom that transient buffers such as exchange packages may use.
package arena

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/decomp/types"
)

// Arena is a types.Allocator with a fixed ceiling.
type Arena struct {
	ceiling int64
	used    atomic.Int64
	allocs  *xsync.Map[string, int64]
}

// Compile-time assertion that Arena implements Allocator.
var _ types.Allocator = (*Arena)(nil)

// New creates an arena with the given ceiling in bytes.
func New(ceiling int64) *Arena {
	return &Arena{
		ceiling: ceiling,
		allocs:  xsync.NewMap[string, int64](),
	}
}

// Alloc reserves n bytes under name.
//
// Returns:
//   - error: ErrArenaExhausted when the reservation exceeds the ceiling,
//     an error when name is already reserved
func (a *Arena) Alloc(name string, n int64) error {
	if n < 0 {
		return fmt.Errorf("arena: negative allocation %d for %q", n, name)
	}
	for {
		cur := a.used.Load()
		if cur+n > a.ceiling {
			return fmt.Errorf("%w: %q needs %s, %s free of %s", types.ErrArenaExhausted, name,
				humanize.IBytes(uint64(n)), humanize.IBytes(uint64(a.ceiling-cur)), humanize.IBytes(uint64(a.ceiling)))
		}
		if a.used.CompareAndSwap(cur, cur+n) {
			break
		}
	}

	if _, loaded := a.allocs.LoadOrStore(name, n); loaded {
		a.used.Add(-n)
		return fmt.Errorf("arena: %q is already allocated", name)
	}

	return nil
}

// Free releases the reservation held under name. Unknown names are ignored.
func (a *Arena) Free(name string) {
	if n, ok := a.allocs.LoadAndDelete(name); ok {
		a.used.Add(-n)
	}
}

// FreeBytes returns the bytes still available below the ceiling.
func (a *Arena) FreeBytes() int64 {
	return a.ceiling - a.used.Load()
}

// AllocatedBytes returns the bytes currently reserved.
func (a *Arena) AllocatedBytes() int64 {
	return a.used.Load()
}

// Ceiling returns the arena ceiling in bytes.
func (a *Arena) Ceiling() int64 {
	return a.ceiling
}

// Report returns the current reservations as "name=size" strings sorted by name.
func (a *Arena) Report() []string {
	out := make([]string, 0, a.allocs.Size())
	a.allocs.Range(func(name string, n int64) bool {
		out = append(out, name+"="+humanize.IBytes(uint64(n)))
		return true
	})
	sort.Strings(out)

	return out
}

// Reservations returns the report of a when it is an *Arena and nil otherwise.
func Reservations(a types.Allocator) []string {
	if ar, ok := a.(*Arena); ok {
		return ar.Report()
	}

	return nil
}
