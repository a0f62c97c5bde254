package rangehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tanq16/rangedl/internal/utils"
)

type chunkWorker struct {
	client    utils.HTTPDoer
	url       string
	totalSize int64
	writer    *Writer
	bufSize   int
	retry     RetryConfig
	progress  func(delta int64)
	log       zerolog.Logger
}

// run fetches one chunk from its resume cursor, retrying transient failures
// from wherever the last durable commit left off. The retry budget applies to
// consecutive attempts that commit nothing.
func (w *chunkWorker) run(ctx context.Context, plan ChunkPlan, resume int64, resumed bool) error {
	if plan.Empty() {
		return nil
	}
	log := w.log.With().Int("chunk", plan.Index).Logger()
	cursor := plan.Start
	if resumed {
		cursor = resume
	}
	attempt := 0
	for cursor <= plan.End {
		next, err := w.fetch(ctx, plan, cursor)
		if next > cursor {
			attempt = 0
		}
		cursor = next
		if err == nil {
			break
		}
		class := classify(err)
		if class == classFatal || attempt >= w.retry.MaxRetries || ctx.Err() != nil {
			return fmt.Errorf("chunk %d: %w", plan.Index, err)
		}
		attempt++
		log.Warn().Err(err).Int("attempt", attempt).Int64("cursor", cursor).Msg("Retrying chunk")
		if err := w.retry.wait(ctx, attempt, class); err != nil {
			return fmt.Errorf("chunk %d: %w", plan.Index, err)
		}
	}
	log.Debug().Int64("start", plan.Start).Int64("end", plan.End).Msg("Chunk complete")
	return nil
}

// fetch streams bytes [from, plan.End] into the writer and returns the cursor
// after the last committed buffer.
func (w *chunkWorker) fetch(ctx context.Context, plan ChunkPlan, from int64) (int64, error) {
	rangeHeader := formatRange(from, plan.End)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return from, utils.NewError(utils.KindInvalidArgument, err, "build range request")
	}
	req.Header.Set("Range", rangeHeader)
	req.Header.Set("Connection", "keep-alive")
	resp, err := w.client.Do(req)
	if err != nil {
		return from, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusPartialContent:
		contentRange := resp.Header.Get("Content-Range")
		if contentRange == "" {
			return from, utils.NewError(utils.KindUnexpectedStatus, nil, "missing Content-Range for %s", rangeHeader)
		}
		if start, ok := contentRangeStart(contentRange); !ok || start != from {
			return from, utils.NewError(utils.KindUnexpectedStatus, nil, "Content-Range %q does not answer %s", contentRange, rangeHeader)
		}
	case http.StatusOK:
		// a full body is only usable when it is exactly what was asked for
		if from != 0 || plan.End != w.totalSize-1 {
			return from, utils.NewError(utils.KindUnexpectedStatus, &StatusError{Code: resp.StatusCode, Method: http.MethodGet, Range: rangeHeader}, "server ignored range")
		}
	default:
		return from, utils.NewError(utils.KindUnexpectedStatus, &StatusError{Code: resp.StatusCode, Method: http.MethodGet, Range: rangeHeader}, "chunk %d", plan.Index)
	}

	body := io.LimitReader(resp.Body, plan.End-from+1)
	buffer := make([]byte, w.bufSize)
	for {
		n, readErr := io.ReadFull(body, buffer)
		if n > 0 {
			if err := ctx.Err(); err != nil {
				return from, err
			}
			if err := w.writer.Commit(ctx, plan, from, buffer[:n]); err != nil {
				return from, err
			}
			from += int64(n)
			if w.progress != nil {
				w.progress(int64(n))
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		return from, readErr
	}
	if from != plan.End+1 {
		return from, fmt.Errorf("body ended at %d before chunk end %d: %w", from, plan.End, io.ErrUnexpectedEOF)
	}
	return from, nil
}

// formatRange builds a Range header value; a negative end requests everything
// from start onwards.
func formatRange(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

func contentRangeStart(header string) (int64, bool) {
	rng, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}
