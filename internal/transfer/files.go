package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lherron/siteporter/internal/bundle"
	"github.com/lherron/siteporter/internal/chunk"
	"github.com/lherron/siteporter/internal/domain"
)

// chunkRetryBudget bounds re-fetches of a single chunk whose payload
// arrives corrupted. Smaller than the transport's own retry budget: a
// file left partial is cheap to resume.
const chunkRetryBudget = 2

// FileTransfer copies the manifest into the destination site root. Large
// files stream through the chunk transport; small files travel in
// compressed archive batches.
type FileTransfer struct {
	Source     Source
	DestRoot   string
	ChunkBytes int64
	// PersistEveryN batches cursor persistence across small-file progress
	// so per-file I/O overhead stays bounded.
	PersistEveryN int
}

// Run transfers every manifest entry not already completed, advancing the
// session's file cursor. Failed files are logged and skipped; the phase
// continues.
func (ft *FileTransfer) Run(ctx context.Context, sess *domain.Session, manifest []domain.ManifestEntry, ctl Control) error {
	if ft.ChunkBytes <= 0 {
		ft.ChunkBytes = chunk.DefaultSize
	}
	if ft.PersistEveryN <= 0 {
		ft.PersistEveryN = 25
	}
	cur := &sess.FileCursor

	pending := make([]domain.ManifestEntry, 0, len(manifest))
	for _, e := range manifest {
		if !cur.Completed[e.RelativePath] {
			pending = append(pending, e)
		}
	}

	batches, large := bundle.Plan(pending)

	sincePersist := 0
	persistMaybe := func(force bool) error {
		sincePersist++
		if force || sincePersist >= ft.PersistEveryN {
			sincePersist = 0
			return ctl.persist()
		}
		return nil
	}

	for _, batch := range batches {
		if err := ctl.checkStop(); err != nil {
			// Progress always hits disk before a pause takes effect.
			if perr := ctl.persist(); perr != nil {
				return perr
			}
			return err
		}

		paths := make([]string, len(batch))
		for i, e := range batch {
			paths[i] = e.RelativePath
		}

		archive, err := ft.Source.FileBatch(ctx, paths)
		if err != nil {
			return fmt.Errorf("failed to fetch file batch: %w", err)
		}
		res, err := bundle.Extract(ft.DestRoot, archive)
		if err != nil {
			return fmt.Errorf("failed to extract file batch: %w", err)
		}
		for _, skipped := range res.Skipped {
			sess.Stats.LogError(skipped.Path, "archive entry skipped: "+skipped.Reason)
		}
		sizes := make(map[string]int64, len(batch))
		for _, e := range batch {
			sizes[e.RelativePath] = e.SizeBytes
		}
		for _, rel := range res.Extracted {
			cur.MarkCompleted(rel)
			sess.Stats.FilesTransferred++
			sess.Stats.BytesTransferred += sizes[rel]
			cur.FileIndex++
		}
		if err := persistMaybe(false); err != nil {
			return err
		}
	}

	for _, e := range large {
		if err := ft.transferLarge(ctx, sess, e, ctl); err != nil {
			if stop := asStop(err); stop != nil {
				if perr := ctl.persist(); perr != nil {
					return perr
				}
				return stop
			}
			// A single file's failure is the orchestrator's decision to
			// continue or abort; here it is logged and the phase moves on.
			sess.Stats.LogError(e.RelativePath, err.Error())
		} else {
			cur.MarkCompleted(e.RelativePath)
			sess.Stats.FilesTransferred++
			cur.FileIndex++
		}
		cur.ByteOffset = 0
		if err := persistMaybe(false); err != nil {
			return err
		}
	}

	return ctl.persist()
}

// transferLarge streams one file chunk by chunk from the session's current
// byte offset until the chunk transport reports the end of the file.
func (ft *FileTransfer) transferLarge(ctx context.Context, sess *domain.Session, e domain.ManifestEntry, ctl Control) error {
	cur := &sess.FileCursor

	for cur.ByteOffset < e.SizeBytes {
		if err := ctl.checkStop(); err != nil {
			return &stopErr{err: err}
		}

		n, err := ft.transferChunk(ctx, sess, e.RelativePath, cur.ByteOffset)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("chunk at %d wrote no bytes", cur.ByteOffset)
		}

		cur.ByteOffset += n
		sess.Stats.BytesTransferred += n
		if err := ctl.persist(); err != nil {
			return err
		}
	}
	return nil
}

// transferChunk fetches and writes one byte range, re-fetching on a
// corrupted payload. A checksum mismatch means the bytes were damaged in
// flight, so asking again is worthwhile; anything else fails the unit.
func (ft *FileTransfer) transferChunk(ctx context.Context, sess *domain.Session, path string, offset int64) (int64, error) {
	var n int64
	op := func() error {
		c, err := ft.Source.FileChunk(ctx, path, offset, offset+ft.ChunkBytes)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("chunk fetch at %d failed: %w", offset, err))
		}
		n, err = chunk.Write(ft.DestRoot, c)
		if err != nil {
			var mismatch *domain.ChecksumMismatchError
			if errors.As(err, &mismatch) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("chunk write at %d failed: %w", offset, err))
		}
		return nil
	}
	notify := func(error, time.Duration) {
		sess.Stats.RetryCount++
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), chunkRetryBudget), ctx)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return 0, err
	}
	return n, nil
}

// stopErr wraps a pause/cancel signal so it is distinguishable from a file
// failure inside the large-file loop.
type stopErr struct {
	err error
}

func (s *stopErr) Error() string { return s.err.Error() }

func asStop(err error) error {
	if s, ok := err.(*stopErr); ok {
		return s.err
	}
	return nil
}
