package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader downloads many objects in parallel into a directory.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	dir         string
}

// BatchResult contains the outcome of a batch download.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
}

// Err returns one of the failures, preferring the first key in request order.
func (r *BatchResult) Err(keys []string) error {
	for _, k := range keys {
		if err, ok := r.Errors[k]; ok {
			return fmt.Errorf("storage: failed to download %s: %w", k, err)
		}
	}
	return nil
}

// NewBatchDownloader creates a new batch downloader writing into dir.
func NewBatchDownloader(storage ObjectStorage, concurrency int, dir string) *BatchDownloader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchDownloader{storage: storage, concurrency: concurrency, dir: dir}
}

// Download fetches keys. Failures are reported per key; the returned error is
// only set when the context is cancelled.
func (b *BatchDownloader) Download(ctx context.Context, keys []string) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string, len(keys)),
		Errors:     make(map[string]error),
	}
	sem := semaphore.NewWeighted(int64(b.concurrency))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, key := range keys {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return result, err
		}

		wg.Add(1)
		go func(key string) {
			defer sem.Release(1)
			defer wg.Done()

			local := b.localPath(key)
			err := b.storage.Download(ctx, key, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[key] = err
				return
			}
			result.LocalPaths[key] = local
		}(key)
	}
	wg.Wait()
	return result, ctx.Err()
}

// localPath flattens a key to a file name inside dir.
func (b *BatchDownloader) localPath(key string) string {
	return filepath.Join(b.dir, path.Base(key))
}
