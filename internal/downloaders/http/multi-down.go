package rangehttp

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/tanq16/rangedl/internal/naming"
	"github.com/tanq16/rangedl/internal/state"
	"github.com/tanq16/rangedl/internal/utils"
	"golang.org/x/sync/errgroup"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseProbing     Phase = "probing"
	PhasePlanning    Phase = "planning"
	PhaseDownloading Phase = "downloading"
	PhaseFinalizing  Phase = "finalizing"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

type Options struct {
	URL         string
	OutputPath  string // candidate path; a free sibling is chosen unless resume state exists for it
	Connections int
	BufferSize  int
	Retry       RetryConfig
	Client      utils.HTTPDoer
	Fs          afero.Fs

	OnStateChange func(Phase)
	OnProgress    func(delta int64)
}

func (o Options) withDefaults() Options {
	if o.Connections <= 0 {
		o.Connections = utils.DefaultConnections
	}
	if o.BufferSize <= 0 {
		o.BufferSize = utils.DefaultBufferSize
	}
	if o.Retry == (RetryConfig{}) {
		o.Retry = DefaultRetryConfig()
	}
	if o.Client == nil {
		o.Client = utils.NewHTTPClient(utils.HTTPClientConfig{})
	}
	if o.Fs == nil {
		o.Fs = afero.NewOsFs()
	}
	return o
}

// Job is a probed and planned download. The output path is fixed once planned
// and the state file always lives next to it.
type Job struct {
	URL        string
	OutputPath string
	TotalSize  int64
	Chunks     []ChunkPlan
	Resumable  bool // Run adopted committed progress from a prior state file

	opts  Options
	phase Phase
	log   zerolog.Logger
}

// Download probes, plans and fetches opts.URL in one call.
func Download(ctx context.Context, opts Options) (*Job, error) {
	job, err := Prepare(ctx, opts)
	if err != nil {
		return job, err
	}
	return job, job.Run(ctx)
}

// Prepare runs the probing and planning phases. Nothing is written to disk.
func Prepare(ctx context.Context, opts Options) (*Job, error) {
	opts = opts.withDefaults()
	job := &Job{
		URL:   opts.URL,
		opts:  opts,
		phase: PhaseIdle,
		log:   utils.GetLogger("download").With().Str("url", opts.URL).Logger(),
	}
	if opts.OutputPath == "" {
		return job, job.fail(utils.NewError(utils.KindInvalidArgument, nil, "output path is required"))
	}

	job.setPhase(PhaseProbing)
	size, err := Probe(ctx, opts.Client, opts.URL)
	if err != nil {
		return job, job.fail(err)
	}
	job.TotalSize = size

	job.setPhase(PhasePlanning)
	plans, err := PlanChunks(size, opts.Connections)
	if err != nil {
		return job, job.fail(err)
	}
	job.Chunks = plans
	path, hasState, err := resolveOutputPath(opts.Fs, opts.OutputPath)
	if err != nil {
		return job, job.fail(err)
	}
	job.OutputPath = path
	job.log = job.log.With().Str("output", path).Logger()
	job.log.Debug().Int64("size", size).Int("chunks", len(plans)).Bool("hasState", hasState).Msg("Download planned")
	return job, nil
}

func resolveOutputPath(afs afero.Fs, candidate string) (string, bool, error) {
	_, err := afs.Stat(state.PathFor(candidate))
	if err == nil {
		return candidate, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", false, utils.NewError(utils.KindIOFailure, err, "stat state for %s", candidate)
	}
	path, err := naming.UniquePath(afs, candidate)
	return path, false, err
}

// Run executes the downloading and finalizing phases. On failure the partial
// output file and its state file stay on disk so a later Run can resume.
func (j *Job) Run(ctx context.Context) error {
	if j.phase != PhasePlanning {
		return utils.NewError(utils.KindInvalidArgument, nil, "job is %s, not planned", j.phase)
	}
	j.setPhase(PhaseDownloading)
	if dir := filepath.Dir(j.OutputPath); dir != "" {
		if err := j.opts.Fs.MkdirAll(dir, 0755); err != nil {
			return j.fail(utils.NewError(utils.KindIOFailure, err, "create directory %s", dir))
		}
	}
	bounds := make([]state.Bounds, len(j.Chunks))
	for i, c := range j.Chunks {
		bounds[i] = state.Bounds{Start: c.Start, End: c.End}
	}
	store := state.Open(j.opts.Fs, j.OutputPath, state.Meta{
		URL:       j.URL,
		TotalSize: j.TotalSize,
		Chunks:    bounds,
	})
	j.Resumable = store.Resumed()
	writer := NewWriter(j.opts.Fs, j.OutputPath, j.TotalSize, store)

	var downloaded atomic.Int64
	progress := func(delta int64) {
		downloaded.Add(delta)
		if j.opts.OnProgress != nil {
			j.opts.OnProgress(delta)
		}
	}
	if committed := store.Snapshot().Committed(); j.Resumable && committed > 0 {
		j.log.Info().Int64("committed", committed).Msg("Resuming download")
		progress(committed)
	}

	worker := &chunkWorker{
		client:    j.opts.Client,
		url:       j.URL,
		totalSize: j.TotalSize,
		writer:    writer,
		bufSize:   j.opts.BufferSize,
		retry:     j.opts.Retry,
		progress:  progress,
		log:       j.log,
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, plan := range j.Chunks {
		offset, ok := store.ResumeOffset(plan.Index)
		g.Go(func() error {
			return worker.run(gctx, plan, offset, ok)
		})
	}
	if err := g.Wait(); err != nil {
		writer.Close()
		return j.fail(err)
	}

	j.setPhase(PhaseFinalizing)
	if err := writer.Allocate(); err != nil {
		writer.Close()
		return j.fail(err)
	}
	if err := writer.Close(); err != nil {
		return j.fail(err)
	}
	if err := store.Clear(); err != nil {
		return j.fail(err)
	}
	j.setPhase(PhaseCompleted)
	j.log.Info().Int64("bytes", downloaded.Load()).Msg("Download complete")
	return nil
}

func (j *Job) Phase() Phase {
	return j.phase
}

func (j *Job) setPhase(p Phase) {
	j.phase = p
	j.log.Debug().Str("phase", string(p)).Msg("Phase changed")
	if j.opts.OnStateChange != nil {
		j.opts.OnStateChange(p)
	}
}

func (j *Job) fail(err error) error {
	utils.RecordError(j.log, err)
	j.setPhase(PhaseFailed)
	return err
}
