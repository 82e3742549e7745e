package content

import "sort"

type arena map[string]*Item

// newArena indexes items by identifier. The first occurrence wins.
func newArena(items []*Item) arena {
	a := make(arena, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		if _, ok := a[it.Identifier]; !ok {
			a[it.Identifier] = it
		}
	}
	return a
}

// BuildHierarchy returns the ordered children of parent as a freshly allocated
// tree. Each declared child is resolved against items by identifier, takes the
// index declared on the parent's child reference, and is sorted by that index.
// Nested collections get their own children attached recursively. Declared
// children absent from items are dropped. The input is never modified and the
// output depends only on the input.
func BuildHierarchy(items []*Item, parent *Item) []*Item {
	if parent == nil {
		return nil
	}
	a := newArena(items)
	return a.branch(parent, map[string]bool{parent.Identifier: true})
}

func (a arena) branch(parent *Item, path map[string]bool) []*Item {
	type entry struct {
		node     *Item
		index    int
		declared int
	}

	var entries []entry
	for pos, ref := range parent.Children {
		if ref == nil || path[ref.Identifier] {
			continue
		}
		src, ok := a[ref.Identifier]
		if !ok {
			continue
		}
		node := src.Clone()
		node.Children = nil

		idx := pos
		switch {
		case ref.Index != nil:
			idx = *ref.Index
		case src.Index != nil:
			idx = *src.Index
		}
		node.Index = &idx
		entries = append(entries, entry{node: node, index: idx, declared: pos})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].index != entries[j].index {
			return entries[i].index < entries[j].index
		}
		return entries[i].declared < entries[j].declared
	})

	out := make([]*Item, 0, len(entries))
	for _, e := range entries {
		src := a[e.node.Identifier]
		if len(src.Children) > 0 {
			path[src.Identifier] = true
			if kids := a.branch(src, path); len(kids) > 0 {
				e.node.Children = kids
			}
			delete(path, src.Identifier)
		}
		out = append(out, e.node)
	}
	return out
}
