// Package state persists per-chunk resume cursors for a download so an interrupted
// job can continue from the last committed offsets.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/tanq16/rangedl/internal/utils"
)

const (
	FormatVersion = 1
	Suffix        = ".rdstate"
)

// Cursor is the resume position of one chunk. Offset is the next byte not yet
// durably written; Offset == End+1 means the chunk is complete.
type Cursor struct {
	Index  int   `json:"index"`
	Start  int64 `json:"start"`
	End    int64 `json:"end"`
	Offset int64 `json:"offset"`
}

func (c Cursor) Done() bool {
	return c.Offset == c.End+1
}

func (c Cursor) Valid() bool {
	return c.Start <= c.Offset && c.Offset <= c.End+1
}

type DownloadState struct {
	Version   int            `json:"version"`
	JobID     string         `json:"job_id"`
	URL       string         `json:"url"`
	Filename  string         `json:"filename"`
	TotalSize int64          `json:"total_size"`
	Chunks    map[int]Cursor `json:"chunks"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Committed sums the bytes already durable across all chunks.
func (s DownloadState) Committed() int64 {
	var total int64
	for _, c := range s.Chunks {
		total += c.Offset - c.Start
	}
	return total
}

type Bounds struct {
	Start int64
	End   int64
}

// Meta describes the job a state file must match to be resumed.
type Meta struct {
	URL       string
	TotalSize int64
	Chunks    []Bounds
}

type Store struct {
	fs         afero.Fs
	outputPath string
	path       string
	mu         sync.Mutex
	state      DownloadState
	resumed    bool
}

func PathFor(outputPath string) string {
	return outputPath + Suffix
}

// Open loads the state for outputPath when a matching one exists. Unreadable or
// mismatched state is logged and discarded; Open never fails because of it.
func Open(afs afero.Fs, outputPath string, meta Meta) *Store {
	s := &Store{
		fs:         afs,
		outputPath: outputPath,
		path:       PathFor(outputPath),
	}
	s.load(meta)
	return s
}

func (s *Store) load(meta Meta) {
	log := utils.GetLogger("state").With().Str("path", s.path).Logger()
	s.state = fresh(s.outputPath, meta)
	prior, err := Load(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err == nil {
		err = s.validate(prior, meta)
	}
	if err != nil {
		utils.RecordError(log, err)
		log.Warn().Msg("Discarding resume state, starting fresh")
		return
	}
	s.state = *prior
	s.resumed = true
	log.Debug().Str("jobId", prior.JobID).Int("cursors", len(prior.Chunks)).Msg("Resume state loaded")
}

func fresh(outputPath string, meta Meta) DownloadState {
	now := time.Now()
	return DownloadState{
		Version:   FormatVersion,
		JobID:     uuid.NewString(),
		URL:       meta.URL,
		Filename:  outputPath,
		TotalSize: meta.TotalSize,
		Chunks:    make(map[int]Cursor),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Store) validate(prior *DownloadState, meta Meta) error {
	if prior.URL != meta.URL {
		return utils.NewError(utils.KindStateCorruption, nil, "state url %q does not match %q", prior.URL, meta.URL)
	}
	if prior.TotalSize != meta.TotalSize {
		return utils.NewError(utils.KindStateCorruption, nil, "state size %d does not match %d", prior.TotalSize, meta.TotalSize)
	}
	for idx, c := range prior.Chunks {
		if idx != c.Index || idx < 0 || idx >= len(meta.Chunks) {
			return utils.NewError(utils.KindStateCorruption, nil, "state has unexpected chunk %d", idx)
		}
		b := meta.Chunks[idx]
		if c.Start != b.Start || c.End != b.End || !c.Valid() {
			return utils.NewError(utils.KindStateCorruption, nil, "chunk %d cursor %d-%d@%d does not match plan %d-%d", idx, c.Start, c.End, c.Offset, b.Start, b.End)
		}
	}
	if len(prior.Chunks) > 0 {
		info, err := s.fs.Stat(s.outputPath)
		if err != nil {
			return utils.NewError(utils.KindStateCorruption, err, "output file for state is unavailable")
		}
		if info.Size() != meta.TotalSize {
			return utils.NewError(utils.KindStateCorruption, nil, "output file size %d does not match %d", info.Size(), meta.TotalSize)
		}
	}
	return nil
}

// Load reads a state file without validating it against a job.
func Load(afs afero.Fs, path string) (*DownloadState, error) {
	data, err := afero.ReadFile(afs, path)
	if err != nil {
		return nil, err
	}
	var st DownloadState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, utils.NewError(utils.KindStateCorruption, err, "decode %s", path)
	}
	if st.Version != FormatVersion {
		return nil, utils.NewError(utils.KindStateCorruption, nil, "unsupported state version %d in %s", st.Version, path)
	}
	if st.Chunks == nil {
		st.Chunks = make(map[int]Cursor)
	}
	return &st, nil
}

// Remove deletes the state file belonging to outputPath.
func Remove(afs afero.Fs, outputPath string) error {
	if err := afs.Remove(PathFor(outputPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

func (s *Store) ResumeOffset(index int) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Chunks[index]
	if !ok {
		return 0, false
	}
	return c.Offset, true
}

// Commit records c for index and persists the whole aggregate. Callers must only
// commit offsets whose bytes are already durable in the output file.
func (s *Store) Commit(index int, c Cursor) error {
	if !c.Valid() {
		return utils.NewError(utils.KindInvalidArgument, nil, "cursor %d-%d@%d out of range", c.Start, c.End, c.Offset)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Chunks[index] = c
	s.state.UpdatedAt = time.Now()
	if err := s.persist(); err != nil {
		return utils.NewError(utils.KindIOFailure, err, "persist state %s", s.path)
	}
	return nil
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.fs.Rename(tmp, s.path)
}

// Clear removes the persisted state. Only call once every chunk is complete.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return utils.NewError(utils.KindIOFailure, err, "remove state %s", s.path)
	}
	s.fs.Remove(s.path + ".tmp")
	return nil
}

func (s *Store) Snapshot() DownloadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state
	snap.Chunks = maps.Clone(s.state.Chunks)
	return snap
}

func (s DownloadState) String() string {
	return fmt.Sprintf("%s (%d/%d bytes committed, %d chunks)", s.Filename, s.Committed(), s.TotalSize, len(s.Chunks))
}
