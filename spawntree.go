package threads

import (
	"sort"
	"time"

	"github.com/everydev1618/threads/harness"
)

// SpawnTreeNode is one thread in the parent/child hierarchy.
type SpawnTreeNode struct {
	ThreadID       string           `json:"thread_id"`
	Directive      string           `json:"directive"`
	Status         harness.Status   `json:"status"`
	Depth          int              `json:"depth"`
	ContinuationOf string           `json:"continuation_of,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	Children       []*SpawnTreeNode `json:"children,omitempty"`
}

// SpawnTree returns the hierarchy of threads held in memory. Threads whose
// parent is unknown are returned as roots. Siblings are ordered by creation.
func (o *Orchestrator) SpawnTree() []*SpawnTreeNode {
	o.mu.RLock()
	defer o.mu.RUnlock()

	threads := make([]*Thread, 0, len(o.threads))
	for _, t := range o.threads {
		threads = append(threads, t)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].CreatedAt.Before(threads[j].CreatedAt) })

	nodes := make(map[string]*SpawnTreeNode, len(threads))
	for _, t := range threads {
		nodes[t.ID] = &SpawnTreeNode{
			ThreadID:       t.ID,
			Directive:      t.Directive,
			Status:         t.Status(),
			Depth:          t.Limits().Depth,
			ContinuationOf: t.ContinuationOf,
			CreatedAt:      t.CreatedAt,
		}
	}

	var roots []*SpawnTreeNode
	for _, t := range threads {
		node := nodes[t.ID]
		if parent, ok := nodes[t.ParentID]; ok && t.ParentID != "" {
			parent.Children = append(parent.Children, node)
		} else {
			roots = append(roots, node)
		}
	}
	return roots
}
