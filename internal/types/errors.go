// Package types holds the shared error taxonomy and run bookkeeping types
// used across the ingestion and retrieval packages.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers classify failures with errors.Is; wrapping sites
// attach detail with fmt.Errorf("%w: ...").
var (
	// ErrSchemaInvalid reports a KB schema that failed structural or
	// cross-reference validation.
	ErrSchemaInvalid = errors.New("schema invalid")

	// ErrPathInvalid reports a malformed extraction path expression.
	ErrPathInvalid = errors.New("path invalid")

	// ErrKBNotFound reports an operation against an unregistered KB.
	ErrKBNotFound = errors.New("knowledge base not found")

	// ErrUnknownSource reports an ingest request for a source id the KB
	// schema does not declare.
	ErrUnknownSource = errors.New("unknown source")

	// ErrConnectorUnavailable reports a source endpoint that could not be
	// reached or returned a non-success status.
	ErrConnectorUnavailable = errors.New("connector unavailable")

	// ErrConnectorResponseTooLarge reports a source payload over the
	// configured byte cap.
	ErrConnectorResponseTooLarge = errors.New("connector response too large")

	// ErrConnectorMalformed reports a source payload that is not a JSON
	// array of documents.
	ErrConnectorMalformed = errors.New("connector payload malformed")

	// ErrEmbeddingUnavailable reports an embedding provider that could not
	// be constructed or reached.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrEmbeddingDimensionMismatch reports a vector whose length differs
	// from the provider's registered dimension.
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrStoreUnavailable reports a graph store failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConstraintViolation reports a write that would break a store
	// integrity constraint.
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrQueryInvalid reports a graph query that failed to parse or bind.
	ErrQueryInvalid = errors.New("query invalid")

	// ErrQueryNotReadOnly reports a graph query containing write clauses.
	ErrQueryNotReadOnly = errors.New("query not read-only")

	// ErrCancelled reports an operation stopped by context cancellation.
	ErrCancelled = errors.New("operation cancelled")

	// ErrRunNotFound reports a status request for an unknown run id.
	ErrRunNotFound = errors.New("run not found")
)

// DocumentMappingError reports a document that could not be mapped to graph
// operations. It carries the document's position in the source batch so a
// run's error log can point back at the offending record.
type DocumentMappingError struct {
	DocIndex int
	Reason   string
}

func (e *DocumentMappingError) Error() string {
	return fmt.Sprintf("document %d: %s", e.DocIndex, e.Reason)
}
