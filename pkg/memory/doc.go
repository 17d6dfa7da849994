// Package memory is the façade of the engine: project-scoped natural
// language facts with semantic search, deduplication, embedding cache and
// drift-aware reindexing.
package memory
