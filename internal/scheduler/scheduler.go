package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"

	rangehttp "github.com/tanq16/rangedl/internal/downloaders/http"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/utils"
)

// downloaderRegistry maps job types to their downloader implementations
var downloaderRegistry = map[string]utils.Downloader{
	"http": &rangehttp.HTTPDownloader{},
}

type Options struct {
	Workers  int
	Output   io.Writer // progress bars; nil disables rendering
	Summary  io.Writer // closing summary; nil skips it
	Registry map[string]utils.Downloader
}

// Run processes jobs with a bounded pool of workers and returns an error
// naming how many jobs failed.
func Run(ctx context.Context, jobs []utils.RangeJob, opts Options) error {
	log := utils.GetLogger("scheduler")
	registry := opts.Registry
	if registry == nil {
		registry = downloaderRegistry
	}
	workers := max(1, min(opts.Workers, len(jobs)))
	outputMgr := output.NewManager(opts.Output)

	jobCh := make(chan *utils.RangeJob, len(jobs))
	for i := range jobs {
		jobCh <- &jobs[i]
	}
	close(jobCh)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processJobs(ctx, jobCh, outputMgr, registry)
		}()
	}
	wg.Wait()
	outputMgr.Wait()
	if opts.Summary != nil {
		outputMgr.ShowSummary(opts.Summary)
	}

	_, failed := outputMgr.Counts()
	log.Debug().Int("jobs", len(jobs)).Int("failed", failed).Msg("Scheduler finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(jobs))
	}
	return ctx.Err()
}

// processJobs handles job processing for a worker
func processJobs(ctx context.Context, jobCh <-chan *utils.RangeJob, outputMgr *output.Manager, registry map[string]utils.Downloader) {
	log := utils.GetLogger("scheduler")
	for job := range jobCh {
		name := job.OutputPath
		if name == "" {
			name = job.URL
		}
		display := outputMgr.RegisterJob(name)
		if ctx.Err() != nil {
			display.ReportError(ctx.Err())
			continue
		}
		downloader, exists := registry[job.JobType]
		if !exists {
			display.ReportError(utils.NewError(utils.KindInvalidArgument, nil, "unknown job type %q", job.JobType))
			continue
		}

		display.SetMessage(fmt.Sprintf("Validating %s job", job.JobType))
		if err := downloader.ValidateJob(job); err != nil {
			display.ReportError(fmt.Errorf("validation failed: %w", err))
			continue
		}

		display.SetMessage(fmt.Sprintf("Building %s job", job.JobType))
		if err := downloader.BuildJob(ctx, job); err != nil {
			display.ReportError(fmt.Errorf("build failed: %w", err))
			continue
		}
		display.SetName(job.OutputPath)
		job.ProgressFunc = display.Progress

		display.SetMessage(fmt.Sprintf("Downloading %s", job.OutputPath))
		if err := downloader.Download(ctx, job); err != nil {
			display.ReportError(fmt.Errorf("download failed: %w", err))
			continue
		}
		took := job.FinishTime.Sub(job.StartTime)
		log.Info().Str("output", job.OutputPath).Int64("size", job.TotalSize).Dur("took", took).Msg("Job complete")
		display.Complete(fmt.Sprintf("Completed %s (%s at %s)", job.OutputPath,
			utils.FormatBytes(uint64(job.TotalSize)), utils.FormatSpeed(job.TotalSize, took.Seconds())))
	}
}
