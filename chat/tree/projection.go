// Package tree computes the visible linear path through a branching
// conversation tree. The projection is a pure function of the message list,
// the viewer, and the viewer's detached overrides; results are cacheable by
// the store's per-conversation version counter.
package tree

import (
	"sort"

	"github.com/hrygo/branchtalk/store"
)

// View is the viewer-specific input: detached overrides replace the shared
// activeBranchId choices for this viewer only.
type View struct {
	ViewerID string
	Detached map[string]string // messageID -> branchID
}

// VisiblePath returns the ordered message sequence reachable by following
// each message's effective active branch from the canonical root.
//
// Rules:
//   - branches private to another user are treated as absent;
//   - a message whose effective active branch does not attach to the running
//     branch path is skipped, never silently substituted with a sibling;
//   - when several root messages exist, the single canonical root is the one
//     whose subtree holds the most recently created branch.
func VisiblePath(messages []*store.Message, view View) []*store.Message {
	if len(messages) == 0 {
		return nil
	}

	ordered := make([]*store.Message, len(messages))
	copy(ordered, messages)
	// Order is the creation ordinal, so parents always precede children.
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	nodes := make([]node, 0, len(ordered))
	branchOwner := map[string]int{} // branchID -> index into nodes

	for _, m := range ordered {
		activeID := m.ActiveBranchID
		if override, ok := view.Detached[m.ID]; ok && m.Branch(override) != nil {
			activeID = override
		}
		active := m.Branch(activeID)
		if active != nil && !visibleTo(active, view.ViewerID) {
			// The viewer observes a private sibling as absent; skip the
			// message rather than resurrecting another branch.
			active = nil
		}
		idx := len(nodes)
		nodes = append(nodes, node{message: m, active: active})
		for _, b := range m.Branches {
			if visibleTo(b, view.ViewerID) {
				branchOwner[b.ID] = idx
			}
		}
	}

	canonical := canonicalRoot(nodes, branchOwner)
	if canonical < 0 {
		return nil
	}

	var path []*store.Message
	var branchPath []string
	for i, n := range nodes {
		if n.active == nil {
			continue
		}
		if isRoot(n.active) {
			if i != canonical {
				continue
			}
			branchPath = branchPath[:0]
			branchPath = append(branchPath, n.active.ID)
			path = append(path, n.message)
			continue
		}
		parentIdx := indexOf(branchPath, n.active.ParentBranchID)
		if parentIdx < 0 {
			continue
		}
		branchPath = append(branchPath[:parentIdx+1], n.active.ID)
		path = append(path, n.message)
	}
	return path
}

func visibleTo(b *store.Branch, viewerID string) bool {
	return b.PrivateToUserID == "" || b.PrivateToUserID == viewerID
}

func isRoot(b *store.Branch) bool {
	return b.ParentBranchID == "" || b.ParentBranchID == store.RootParentID
}

type node struct {
	message *store.Message
	active  *store.Branch
}

// canonicalRoot picks the root message whose subtree contains the most recent
// branch creation timestamp. Returns -1 when no root message is visible.
func canonicalRoot(nodes []node, branchOwner map[string]int) int {
	// rootOf resolves the root message index for a node by walking parent
	// links upward. Memoized; unresolvable chains map to -1.
	memo := make(map[int]int, len(nodes))
	var rootOf func(i int) int
	rootOf = func(i int) int {
		if r, ok := memo[i]; ok {
			return r
		}
		memo[i] = -1 // cycle guard
		n := nodes[i]
		ref := n.active
		if ref == nil {
			// Use any branch; all siblings share a parent.
			if len(n.message.Branches) == 0 {
				return -1
			}
			ref = n.message.Branches[0]
		}
		var r int
		if isRoot(ref) {
			r = i
		} else if owner, ok := branchOwner[ref.ParentBranchID]; ok {
			r = rootOf(owner)
		} else {
			r = -1
		}
		memo[i] = r
		return r
	}

	latest := map[int]int64{} // root index -> newest branch CreatedTs in subtree
	for i, n := range nodes {
		r := rootOf(i)
		if r < 0 || nodes[r].active == nil {
			continue
		}
		for _, b := range n.message.Branches {
			if b.CreatedTs > latest[r] {
				latest[r] = b.CreatedTs
			}
		}
	}

	best, bestTs := -1, int64(-1)
	for r, ts := range latest {
		if ts > bestTs || (ts == bestTs && (best < 0 || r < best)) {
			best, bestTs = r, ts
		}
	}
	return best
}

func indexOf(path []string, id string) int {
	for i, p := range path {
		if p == id {
			return i
		}
	}
	return -1
}
