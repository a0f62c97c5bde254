package utils

import (
	"context"
	"time"
)

type Downloader interface {
	ValidateJob(job *RangeJob) error
	BuildJob(ctx context.Context, job *RangeJob) error
	Download(ctx context.Context, job *RangeJob) error
}

type RangeJob struct {
	ID               string
	JobType          string
	URL              string
	OutputPath       string
	Connections      int
	BufferSize       int
	MaxRetries       int
	TotalSize        int64
	Resumed          bool
	ProgressFunc     func(downloaded, total int64)
	HTTPClientConfig HTTPClientConfig
	Metadata         map[string]any
	StartTime        time.Time
	FinishTime       time.Time
}

type DownloadEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	URL        string `yaml:"link"`
}
