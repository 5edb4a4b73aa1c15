package automation

import (
	"strings"
	"sync"

	"github.com/quillworks/peerflow/internal/conflict"
)

// conflictRing keeps the last N conflict cases for the inspection API.
type conflictRing struct {
	mu    sync.Mutex
	buf   []*conflict.Case
	next  int
	count int
}

func newConflictRing(size int) *conflictRing {
	return &conflictRing{buf: make([]*conflict.Case, size)}
}

func (r *conflictRing) add(cc *conflict.Case) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = cc
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// list returns the stored conflicts newest first.
func (r *conflictRing) list() []*conflict.Case {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*conflict.Case, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ",")
}
