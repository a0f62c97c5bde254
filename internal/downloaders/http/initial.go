// Package rangehttp downloads a single HTTP resource over several concurrent
// byte-range connections into one output file, persisting per-chunk progress
// so an interrupted download resumes where it stopped.
package rangehttp

import (
	"context"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"github.com/tanq16/rangedl/internal/naming"
	"github.com/tanq16/rangedl/internal/utils"
)

const planKey = "plan"

// HTTPDownloader adapts the engine to the scheduler's Downloader interface.
// Fs and Client are optional overrides.
type HTTPDownloader struct {
	Fs     afero.Fs
	Client utils.HTTPDoer
}

func (d *HTTPDownloader) ValidateJob(job *utils.RangeJob) error {
	parsedURL, err := url.Parse(job.URL)
	if err != nil {
		return utils.NewError(utils.KindInvalidArgument, err, "invalid URL %q", job.URL)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return utils.NewError(utils.KindInvalidArgument, nil, "unsupported scheme %q", parsedURL.Scheme)
	}
	if parsedURL.Host == "" {
		return utils.NewError(utils.KindInvalidArgument, nil, "URL %q has no host", job.URL)
	}
	if job.Connections < 0 || job.BufferSize < 0 || job.MaxRetries < 0 {
		return utils.NewError(utils.KindInvalidArgument, nil, "connections, buffer size and retries must not be negative")
	}
	return nil
}

func (d *HTTPDownloader) BuildJob(ctx context.Context, job *utils.RangeJob) error {
	job.HTTPClientConfig.HighThreadMode = job.Connections > utils.DefaultConnections
	client := d.client(job)
	if job.OutputPath == "" {
		job.OutputPath = naming.DetectName(ctx, client, job.URL)
	}

	var downloaded atomic.Int64
	retry := DefaultRetryConfig()
	retry.MaxRetries = job.MaxRetries
	prepared, err := Prepare(ctx, Options{
		URL:         job.URL,
		OutputPath:  job.OutputPath,
		Connections: job.Connections,
		BufferSize:  job.BufferSize,
		Retry:       retry,
		Client:      client,
		Fs:          d.fs(),
		OnProgress: func(delta int64) {
			total := downloaded.Add(delta)
			if job.ProgressFunc != nil {
				job.ProgressFunc(total, job.TotalSize)
			}
		},
	})
	if err != nil {
		return err
	}
	job.OutputPath = prepared.OutputPath
	job.TotalSize = prepared.TotalSize
	if job.Metadata == nil {
		job.Metadata = make(map[string]any)
	}
	job.Metadata[planKey] = prepared
	return nil
}

func (d *HTTPDownloader) Download(ctx context.Context, job *utils.RangeJob) error {
	prepared, ok := job.Metadata[planKey].(*Job)
	if !ok {
		if err := d.BuildJob(ctx, job); err != nil {
			return err
		}
		prepared = job.Metadata[planKey].(*Job)
	}
	job.StartTime = time.Now()
	err := prepared.Run(ctx)
	job.FinishTime = time.Now()
	job.Resumed = prepared.Resumable
	delete(job.Metadata, planKey)
	return err
}

func (d *HTTPDownloader) client(job *utils.RangeJob) utils.HTTPDoer {
	if d.Client != nil {
		return d.Client
	}
	return utils.NewHTTPClient(job.HTTPClientConfig)
}

func (d *HTTPDownloader) fs() afero.Fs {
	if d.Fs != nil {
		return d.Fs
	}
	return afero.NewOsFs()
}
