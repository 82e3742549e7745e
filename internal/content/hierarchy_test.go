package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func collectionFixture() []*Item {
	return []*Item{
		{
			Identifier: "X",
			MimeType:   MimeTypeCollection,
			Visibility: VisibilityDefault,
			Children: []*Item{
				{Identifier: "A", Index: intPtr(1)},
				{Identifier: "B", Index: intPtr(0)},
			},
		},
		{Identifier: "A", MimeType: "application/pdf", Visibility: VisibilityParent},
		{Identifier: "B", MimeType: "video/mp4", Visibility: VisibilityParent},
	}
}

func ids(items []*Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Identifier
	}
	return out
}

func TestBuildHierarchy_SortsByDeclaredIndex(t *testing.T) {
	items := collectionFixture()

	tree := BuildHierarchy(items, items[0])

	require.Len(t, tree, 2)
	assert.Equal(t, []string{"B", "A"}, ids(tree))
	assert.Equal(t, 0, *tree[0].Index)
	assert.Equal(t, 1, *tree[1].Index)
}

func TestBuildHierarchy_Deterministic(t *testing.T) {
	items := collectionFixture()

	first := BuildHierarchy(items, items[0])
	second := BuildHierarchy(items, items[0])

	assert.Equal(t, first, second)
}

func TestBuildHierarchy_DoesNotMutateInput(t *testing.T) {
	items := collectionFixture()

	_ = BuildHierarchy(items, items[0])

	assert.Nil(t, items[1].Index, "input child must not receive an index")
	assert.Equal(t, "A", items[0].Children[0].Identifier, "declared order must be kept")
}

func TestBuildHierarchy_Nested(t *testing.T) {
	items := []*Item{
		{
			Identifier: "root",
			MimeType:   MimeTypeCollection,
			Visibility: VisibilityDefault,
			Children: []*Item{
				{Identifier: "unit2", Index: intPtr(2)},
				{Identifier: "unit1", Index: intPtr(1)},
			},
		},
		{
			Identifier: "unit1",
			MimeType:   MimeTypeCollection,
			Visibility: VisibilityParent,
			Children: []*Item{
				{Identifier: "r2", Index: intPtr(2)},
				{Identifier: "r1", Index: intPtr(1)},
			},
		},
		{Identifier: "unit2", MimeType: MimeTypeCollection, Visibility: VisibilityParent},
		{Identifier: "r1", MimeType: "application/pdf", Visibility: VisibilityParent},
		{Identifier: "r2", MimeType: "application/pdf", Visibility: VisibilityParent},
	}

	tree := BuildHierarchy(items, items[0])

	require.Equal(t, []string{"unit1", "unit2"}, ids(tree))
	assert.Equal(t, []string{"r1", "r2"}, ids(tree[0].Children))
	assert.Empty(t, tree[1].Children)
}

func TestBuildHierarchy_DropsUnknownChildrenAndCycles(t *testing.T) {
	items := []*Item{
		{
			Identifier: "X",
			MimeType:   MimeTypeCollection,
			Visibility: VisibilityDefault,
			Children:   []*Item{{Identifier: "ghost"}, {Identifier: "U"}},
		},
		{
			Identifier: "U",
			MimeType:   MimeTypeCollection,
			Children:   []*Item{{Identifier: "X"}},
		},
	}

	tree := BuildHierarchy(items, items[0])

	require.Equal(t, []string{"U"}, ids(tree))
	assert.Empty(t, tree[0].Children)
}

func TestNonCollectionDescendants(t *testing.T) {
	items := []*Item{
		{
			Identifier: "root",
			MimeType:   MimeTypeCollection,
			Children:   []*Item{{Identifier: "unit"}, {Identifier: "r3"}},
		},
		{
			Identifier: "unit",
			MimeType:   MimeTypeCollection,
			Children:   []*Item{{Identifier: "r1"}, {Identifier: "r2"}},
		},
		{Identifier: "r1", MimeType: "application/pdf"},
		{Identifier: "r2", MimeType: "application/pdf"},
		{Identifier: "r3", MimeType: "video/mp4"},
	}

	assert.Equal(t, []string{"r1", "r2", "r3"}, NonCollectionDescendants(items, items[0]))
}

func TestParseManifest(t *testing.T) {
	raw := `{"id":"content.archive","ver":"1.1","archive":{"count":1,"items":[
		{"identifier":"do_1","mimeType":"application/pdf","visibility":"Default","pkgVersion":2,"compatibilityLevel":4}
	]}}`

	m, err := ParseManifest(strings.NewReader(raw))
	require.NoError(t, err)
	root := m.Root()
	require.NotNil(t, root)
	assert.Equal(t, "do_1", root.Identifier)
	assert.Equal(t, 4, root.CompatibilityLevel)
	assert.Equal(t, float64(2), root.PkgVersion)
	assert.Same(t, root, m.Find("do_1"))
	assert.Nil(t, m.Find("missing"))
}
