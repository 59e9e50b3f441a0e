package mapping

import (
	"fmt"
	"strconv"

	"kgraph/internal/jsonpath"
	"kgraph/internal/logging"
	"kgraph/internal/schema"
	"kgraph/internal/types"
)

// Apply maps one document through a source mapping. docIndex is the
// position in the connector batch, used only for error reporting.
//
// A missing or empty node key fails the document with DocumentMappingError.
// A missing edge from-key skips that edge with a warning. Multi-valued
// to-paths fan out into one edge per non-empty match.
func Apply(s *schema.Schema, src *schema.SourceSpec, doc any, docIndex int) (*DocOps, error) {
	timer := logging.StartTimer(logging.CategoryMapping, "Apply")
	defer timer.Stop()

	node, ok := s.NodeByLabel(src.Extract.Node)
	if !ok {
		// Unreachable once the schema validated; guard anyway.
		return nil, &types.DocumentMappingError{DocIndex: docIndex, Reason: fmt.Sprintf("extract node %q not declared", src.Extract.Node)}
	}

	keyValue, ok := scalarKey(src.Extract.KeyPath, doc)
	if !ok {
		return nil, &types.DocumentMappingError{
			DocIndex: docIndex,
			Reason:   fmt.Sprintf("key path %s yielded no value", src.Extract.KeyPath),
		}
	}

	ops := &DocOps{}

	props := map[string]any{node.Key: keyValue}
	for prop, path := range src.Extract.AssignPaths {
		if v, ok := path.Scalar(doc); ok && v != nil {
			props[prop] = v
		}
	}
	primary := NodeRef{Label: node.Label, KeyProp: node.Key, KeyValue: keyValue}
	ops.Nodes = append(ops.Nodes, NodeUpsert{Ref: primary, Props: props})

	for i := range src.Edges {
		e := &src.Edges[i]

		fromNode, _ := s.NodeByLabel(e.From.Label)
		fromKey, ok := scalarKey(e.From.KeyPath, doc)
		if !ok {
			ops.Warnings = append(ops.Warnings,
				fmt.Sprintf("document %d: edge %s: from key %s yielded no value; edge skipped", docIndex, e.Type, e.From.KeyPath))
			continue
		}

		toNode, _ := s.NodeByLabel(e.To.Label)
		var toKeys []string
		if e.To.KeyPath.HasWildcard() {
			for _, v := range e.To.KeyPath.Multi(doc) {
				if k, ok := keyString(v); ok {
					toKeys = append(toKeys, k)
				}
			}
		} else if k, ok := scalarKey(e.To.KeyPath, doc); ok {
			toKeys = append(toKeys, k)
		}
		if len(toKeys) == 0 {
			ops.Warnings = append(ops.Warnings,
				fmt.Sprintf("document %d: edge %s: to key %s yielded no value; edge skipped", docIndex, e.Type, e.To.KeyPath))
			continue
		}

		// Endpoint nodes are materialized even when this source is not
		// authoritative over them; later ingests merge richer data into the
		// same identity.
		fromRef := NodeRef{Label: fromNode.Label, KeyProp: fromNode.Key, KeyValue: fromKey}
		ops.Nodes = append(ops.Nodes, NodeUpsert{Ref: fromRef, Props: endpointProps(fromNode, fromKey, e.From.PropPaths, doc)})

		for _, toKey := range toKeys {
			toRef := NodeRef{Label: toNode.Label, KeyProp: toNode.Key, KeyValue: toKey}
			ops.Nodes = append(ops.Nodes, NodeUpsert{Ref: toRef, Props: endpointProps(toNode, toKey, e.To.PropPaths, doc)})
			ops.Edges = append(ops.Edges, EdgeUpsert{Type: e.Type, From: fromRef, To: toRef})
		}
	}

	if s.Embedding != nil {
		chunks := chunkDocument(&s.Embedding.Chunking, node, props)
		if len(chunks) > 0 {
			ops.Chunks = &ChunkReplace{Node: primary, Chunks: chunks}
		}
	}

	logging.MappingDebug("Mapped document %d: %d node ops, %d edge ops, chunks=%v",
		docIndex, len(ops.Nodes), len(ops.Edges), ops.Chunks != nil)
	return ops, nil
}

// endpointProps packs the resolved endpoint property paths plus the key
// property itself.
func endpointProps(node *schema.NodeSpec, key string, paths map[string]*jsonpath.Path, doc any) map[string]any {
	props := map[string]any{node.Key: key}
	for prop, path := range paths {
		if v, ok := path.Scalar(doc); ok && v != nil {
			props[prop] = v
		}
	}
	return props
}

// scalarKey resolves a path in scalar mode and canonicalizes the match into
// a non-empty key string.
func scalarKey(path *jsonpath.Path, doc any) (string, bool) {
	v, ok := path.Scalar(doc)
	if !ok {
		return "", false
	}
	return keyString(v)
}

// keyString renders a matched value as a key. Strings pass through; numbers
// and booleans are formatted; null, empty strings, and composite values do
// not make keys.
func keyString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", false
		}
		return x, true
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10), true
		}
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}
