// Package conflict reconciles concurrent versions of one section's block list.
//
// Both strategies are pure and total: they never fail, never mutate their
// inputs and return the same result for the same arguments, so callers can
// re-run them on duplicate or reordered deliveries.
package conflict

import (
	"time"

	"lexreport/api/internal/blocks"
)

// ResolveConflict is whole-section last-write-wins. The remote list is chosen
// only when its timestamp is strictly later; ties keep the local list. The
// chosen slice is returned as is.
func ResolveConflict(local, remote []blocks.Block, localAt, remoteAt time.Time) []blocks.Block {
	if remoteAt.After(localAt) {
		return remote
	}
	return local
}

type Option func(*options)

type options struct {
	trackDeletes bool
}

// WithDeleteTracking treats a block that is in base but missing on one side as
// deleted by that side. The deletion wins if the other side left the block
// as it was in base; an edit on the other side wins over the deletion.
func WithDeleteTracking() Option {
	return func(o *options) { o.trackDeletes = true }
}

// MergeBlocks is a per-block three-way merge against base, the last state both
// sides agreed on.
//
//   - same block on both sides: kept
//   - changed on both sides, or created on both sides with the same id: remote
//   - only local: kept
//   - only remote: accepted
//
// Without WithDeleteTracking a local delete racing a remote edit brings the
// block back. The result is always a new slice sorted by order, then id.
// Within one input list the last block with a given id wins.
func MergeBlocks(local, remote, base []blocks.Block, opts ...Option) []blocks.Block {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	localByID := index(local)
	remoteByID := index(remote)
	baseByID := index(base)

	merged := make([]blocks.Block, 0, len(localByID)+len(remoteByID))
	for _, id := range unionIDs(local, remote) {
		l, inLocal := localByID[id]
		r, inRemote := remoteByID[id]
		b, inBase := baseByID[id]

		switch {
		case inLocal && inRemote:
			if blocks.Equal(l, r) {
				merged = append(merged, l)
				continue
			}
			// Both edited (inBase) or both created: the remote replica is
			// authoritative either way.
			merged = append(merged, r)
		case inLocal:
			if o.trackDeletes && inBase && blocks.Equal(l, b) {
				continue
			}
			merged = append(merged, l)
		case inRemote:
			if o.trackDeletes && inBase && blocks.Equal(r, b) {
				continue
			}
			merged = append(merged, r)
		}
	}

	blocks.Sort(merged)
	return merged
}

func index(list []blocks.Block) map[string]blocks.Block {
	out := make(map[string]blocks.Block, len(list))
	for _, b := range list {
		out[b.ID] = b
	}
	return out
}

func unionIDs(lists ...[]blocks.Block) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, list := range lists {
		for _, b := range list {
			if _, ok := seen[b.ID]; ok {
				continue
			}
			seen[b.ID] = struct{}{}
			ids = append(ids, b.ID)
		}
	}
	return ids
}
