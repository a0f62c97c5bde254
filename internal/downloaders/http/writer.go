package rangehttp

import (
	"context"
	"os"
	"sync"

	"github.com/spf13/afero"
	"github.com/tanq16/rangedl/internal/state"
	"github.com/tanq16/rangedl/internal/utils"
)

type cursorCommitter interface {
	Commit(index int, c state.Cursor) error
}

// Writer owns the output file. Chunks write into disjoint ranges so no lock is
// held around WriteAt; the mutex only guards the one-time allocation.
type Writer struct {
	fs        afero.Fs
	path      string
	totalSize int64
	store     cursorCommitter

	mu        sync.Mutex
	file      afero.File
	allocated bool
	closed    bool
}

func NewWriter(fs afero.Fs, path string, totalSize int64, store cursorCommitter) *Writer {
	return &Writer{
		fs:        fs,
		path:      path,
		totalSize: totalSize,
		store:     store,
	}
}

// Allocate opens the output file without truncating it and sizes it to the
// total length. Repeated calls are no-ops.
func (w *Writer) Allocate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allocateLocked()
}

func (w *Writer) allocateLocked() error {
	if w.allocated {
		return nil
	}
	if w.closed {
		return utils.NewError(utils.KindIOFailure, nil, "writer for %s is closed", w.path)
	}
	f, err := w.fs.OpenFile(w.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return utils.NewError(utils.KindIOFailure, err, "open output %s", w.path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return utils.NewError(utils.KindIOFailure, err, "stat output %s", w.path)
	}
	if info.Size() != w.totalSize {
		if err := f.Truncate(w.totalSize); err != nil {
			f.Close()
			return utils.NewError(utils.KindIOFailure, err, "size output %s to %d bytes", w.path, w.totalSize)
		}
	}
	w.file = f
	w.allocated = true
	return nil
}

func (w *Writer) handle() (afero.File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.allocateLocked(); err != nil {
		return nil, err
	}
	return w.file, nil
}

// Commit writes data at offset, syncs it, and only then advances the chunk
// cursor in the state store to offset+len(data).
func (w *Writer) Commit(ctx context.Context, plan ChunkPlan, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	last := offset + int64(len(data)) - 1
	if offset < plan.Start || last > plan.End {
		return utils.NewError(utils.KindInvalidArgument, nil, "bytes %d-%d fall outside chunk %d (%d-%d)", offset, last, plan.Index, plan.Start, plan.End)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := w.handle()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return utils.NewError(utils.KindIOFailure, err, "write %d bytes at %d", len(data), offset)
	}
	if err := f.Sync(); err != nil {
		return utils.NewError(utils.KindIOFailure, err, "sync %s", w.path)
	}
	return w.store.Commit(plan.Index, state.Cursor{
		Index:  plan.Index,
		Start:  plan.Start,
		End:    plan.End,
		Offset: last + 1,
	})
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	w.allocated = false
	if err := f.Close(); err != nil {
		return utils.NewError(utils.KindIOFailure, err, "close output %s", w.path)
	}
	return nil
}
