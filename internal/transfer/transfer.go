// Package transfer drives the two bulk phases of a migration: schema and
// row replication into the destination database, and manifest-driven file
// copy through the chunk and bundle transports.
package transfer

import (
	"context"

	"github.com/lherron/siteporter/internal/domain"
)

// Source is the read side of a migration, presented by the remote peer.
// The HTTP client in internal/source implements it; tests may substitute a
// local implementation.
type Source interface {
	// Handshake authenticates against the source and returns its
	// capability and identity information.
	Handshake(ctx context.Context) (*domain.SourceInfo, error)
	// Manifest enumerates the source file tree after exclude rules.
	Manifest(ctx context.Context) ([]domain.ManifestEntry, error)
	// Tables lists source tables with row counts.
	Tables(ctx context.Context) ([]domain.Table, error)
	// SchemaSQL returns the verbatim CREATE TABLE text for one table.
	SchemaSQL(ctx context.Context, table string) (string, error)
	// Rows returns the next keyset page for a table. An empty cursor
	// starts from the beginning.
	Rows(ctx context.Context, table, cursor string, batchSize int) (*domain.RowBatch, error)
	// FileChunk reads one checksummed byte range of a file.
	FileChunk(ctx context.Context, path string, start, end int64) (*domain.Chunk, error)
	// FileBatch returns one compressed archive of small files.
	FileBatch(ctx context.Context, paths []string) ([]byte, error)
}

// Control is how the orchestrator observes and gates a transfer: Persist
// is called after every unit of progress, and CheckStop is consulted at
// unit boundaries (per batch, per file, per chunk) so pause and cancel
// never interrupt a write in progress.
type Control struct {
	Persist   func() error
	CheckStop func() error
}

func (c Control) persist() error {
	if c.Persist == nil {
		return nil
	}
	return c.Persist()
}

func (c Control) checkStop() error {
	if c.CheckStop == nil {
		return nil
	}
	return c.CheckStop()
}
