// Package mapping applies a source mapping to one JSON document, producing
// a deterministic batch of node, edge, and chunk operations. The engine is
// pure: it never touches the store or the embedder.
package mapping

// NodeRef identifies a node by label and natural key within a KB.
type NodeRef struct {
	Label    string
	KeyProp  string
	KeyValue string
}

// NodeUpsert merges a node by (label, key) and sets the given properties.
// Properties absent from the map are left untouched on conflict.
type NodeUpsert struct {
	Ref   NodeRef
	Props map[string]any
}

// EdgeUpsert merges an edge by (type, from, to).
type EdgeUpsert struct {
	Type string
	From NodeRef
	To   NodeRef
}

// ChunkText is one embedding-bound text fragment, ordered by Index.
type ChunkText struct {
	Index int
	Text  string
}

// ChunkReplace replaces the full chunk set of a node.
type ChunkReplace struct {
	Node   NodeRef
	Chunks []ChunkText
}

// DocOps is the mapping output for a single document. Within a document,
// node upserts apply before edge upserts, and the chunk replacement last.
type DocOps struct {
	Nodes    []NodeUpsert
	Edges    []EdgeUpsert
	Chunks   *ChunkReplace
	Warnings []string
}
