package pipeline

import (
	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/graphstore"
	"github.com/kilnwork/kiln/merkle"
)

// frontmatterProperties flattens a note's decoded frontmatter into
// namespaced properties. Nested values are stored as json; everything else
// is stored as text and left for consumers to interpret.
func frontmatterProperties(fm *block.Frontmatter) []graphstore.Property {
	if fm == nil {
		return nil
	}
	props := make([]graphstore.Property, 0, len(fm.Data))
	for k, v := range fm.Data {
		valueType, value := classifyFrontmatterValue(v)
		props = append(props, graphstore.Property{Namespace: "frontmatter", Key: k, ValueType: valueType, Value: value})
	}
	return props
}

func classifyFrontmatterValue(v any) (string, any) {
	switch t := v.(type) {
	case string:
		return "text", t
	case bool:
		return "bool", t
	case int, int64, float64:
		return "number", t
	default:
		return "json", v
	}
}

// merkleProperties records the tree's structural fingerprint so it is
// queryable alongside the note's other metadata without re-reading the
// merkle store.
func merkleProperties(tree merkle.HybridMerkleTree) []graphstore.Property {
	return []graphstore.Property{
		{Namespace: "merkle", Key: "root_hash", ValueType: "text", Value: tree.RootHash.String()},
		{Namespace: "merkle", Key: "section_count", ValueType: "number", Value: tree.SectionCount()},
		{Namespace: "merkle", Key: "total_blocks", ValueType: "number", Value: tree.TotalBlocks},
	}
}

// parserRelations turns a note's wikilinks and tags into graph relations,
// sourced "parser" so enrichment-sourced relations can be replaced
// independently (replace_relations is scoped per (entity, source)).
func parserRelations(note *block.ParsedNote) []graphstore.Relation {
	rels := make([]graphstore.Relation, 0, len(note.Wikilinks)+len(note.Tags))
	for _, w := range note.Wikilinks {
		pos := w.Position
		rels = append(rels, graphstore.Relation{
			ToID: "note:" + w.Target, RelType: "links_to", Directed: true,
			Context: w.Section, Position: &pos, Source: "parser",
		})
	}
	for _, t := range note.Tags {
		rels = append(rels, graphstore.Relation{
			ToID: "tag:" + t.Name, RelType: "tagged", Directed: true, Source: "parser",
		})
	}
	return rels
}
