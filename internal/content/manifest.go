package content

import (
	"encoding/json"
	"fmt"
	"io"
)

const ManifestFile = "manifest.json"

type Archive struct {
	Count int     `json:"count"`
	TTL   int     `json:"ttl,omitempty"`
	Items []*Item `json:"items"`
}

// Manifest is the descriptor at the top of every ECAR.
type Manifest struct {
	ID      string  `json:"id"`
	Ver     string  `json:"ver"`
	Archive Archive `json:"archive"`
}

func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// NewManifest wraps items in the envelope written by export.
func NewManifest(items []*Item) *Manifest {
	return &Manifest{
		ID:  "content.archive",
		Ver: "1.1",
		Archive: Archive{
			Count: len(items),
			TTL:   24,
			Items: items,
		},
	}
}

// Root returns the first item, which describes the package itself.
func (m *Manifest) Root() *Item {
	if len(m.Archive.Items) == 0 {
		return nil
	}
	return m.Archive.Items[0]
}

func (m *Manifest) Find(id string) *Item {
	for _, it := range m.Archive.Items {
		if it.Identifier == id {
			return it
		}
	}
	return nil
}

// NonCollectionDescendants walks the declared children of root and returns
// every reachable identifier that is not itself a collection, in walk order.
func NonCollectionDescendants(items []*Item, root *Item) []string {
	arena := newArena(items)
	seen := map[string]bool{root.Identifier: true}
	var out []string

	var walk func(parent *Item)
	walk = func(parent *Item) {
		for _, ref := range parent.Children {
			if ref == nil || seen[ref.Identifier] {
				continue
			}
			seen[ref.Identifier] = true
			child, ok := arena[ref.Identifier]
			if !ok {
				child = ref
			}
			if child.IsCollection() {
				walk(child)
				continue
			}
			out = append(out, child.Identifier)
		}
	}
	walk(root)
	return out
}
