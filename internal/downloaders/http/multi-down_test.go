package rangehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/rangedl/internal/server"
	"github.com/tanq16/rangedl/internal/state"
	"github.com/tanq16/rangedl/internal/utils"
)

// rangeFixture serves content through the range file server and records every
// Range header it sees. intercept may answer a ranged request itself.
type rangeFixture struct {
	srv       *httptest.Server
	content   []byte
	mu        sync.Mutex
	ranges    []string
	intercept func(w http.ResponseWriter, r *http.Request, start int64) bool
}

func newRangeFixture(t *testing.T, content []byte) *rangeFixture {
	t.Helper()
	memFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(memFs, "/srv/blob", content, 0644))
	files := server.New(memFs, "/srv/blob")
	f := &rangeFixture{content: content}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Range")
		if header != "" {
			f.mu.Lock()
			f.ranges = append(f.ranges, header)
			intercept := f.intercept
			f.mu.Unlock()
			if intercept != nil && intercept(w, r, rangeStart(header)) {
				return
			}
		}
		files.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *rangeFixture) url() string {
	return f.srv.URL + "/file"
}

func (f *rangeFixture) client() utils.HTTPDoer {
	return utils.WrapHTTPClient(f.srv.Client(), utils.HTTPClientConfig{})
}

func (f *rangeFixture) setIntercept(fn func(w http.ResponseWriter, r *http.Request, start int64) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intercept = fn
}

func (f *rangeFixture) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ranges...)
}

func (f *rangeFixture) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = nil
}

func rangeStart(header string) int64 {
	rng := strings.TrimPrefix(header, "bytes=")
	first, _, _ := strings.Cut(rng, "-")
	v, _ := strconv.ParseInt(first, 10, 64)
	return v
}

func randomContent(size int) []byte {
	r := rand.New(rand.NewPCG(uint64(size), 7))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(r.UintN(256))
	}
	return data
}

func fastRetry(n int) RetryConfig {
	return RetryConfig{MaxRetries: n, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func rangeOf(p ChunkPlan, from int64) string {
	return fmt.Sprintf("bytes=%d-%d", from, p.End)
}

func TestDownloadMillionAndThreeBytes(t *testing.T) {
	content := randomContent(1_000_003)
	fx := newRangeFixture(t, content)
	out := filepath.Join(t.TempDir(), "movie.bin")

	var progressed atomic.Int64
	var phases []Phase
	job, err := Download(context.Background(), Options{
		URL:           fx.url(),
		OutputPath:    out,
		Connections:   5,
		Client:        fx.client(),
		Fs:            afero.NewOsFs(),
		OnProgress:    func(d int64) { progressed.Add(d) },
		OnStateChange: func(p Phase) { phases = append(phases, p) },
	})
	require.NoError(t, err)

	assert.Equal(t, out, job.OutputPath)
	assert.Equal(t, int64(1_000_003), job.TotalSize)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got), "output differs from source")
	assert.NoFileExists(t, state.PathFor(out))
	assert.Equal(t, int64(len(content)), progressed.Load())
	assert.ElementsMatch(t, []string{
		"bytes=0-200000",
		"bytes=200001-400000",
		"bytes=400001-600000",
		"bytes=600001-800000",
		"bytes=800001-1000002",
	}, fx.recorded())
	assert.Equal(t, []Phase{PhaseProbing, PhasePlanning, PhaseDownloading, PhaseFinalizing, PhaseCompleted}, phases)
}

func TestDownloadFailsThenResumesFromCommittedOffsets(t *testing.T) {
	const size = 1000
	content := randomContent(size)
	plans, err := PlanChunks(size, 5)
	require.NoError(t, err)
	fx := newRangeFixture(t, content)
	out := filepath.Join(t.TempDir(), "data.bin")

	// chunks 2..4 wait until 0 and 1 are committed, then send a truncated body
	release := make(chan struct{})
	var once sync.Once
	firstTwo := plans[0].Len() + plans[1].Len()
	fx.setIntercept(func(w http.ResponseWriter, r *http.Request, start int64) bool {
		if start < plans[2].Start {
			return false
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return true
		}
		var plan ChunkPlan
		for _, p := range plans {
			if start >= p.Start && start <= p.End {
				plan = p
			}
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, plan.End, size))
		w.Header().Set("Content-Length", strconv.FormatInt(plan.End-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : start+55])
		return true
	})

	var progressed atomic.Int64
	opts := Options{
		URL:         fx.url(),
		OutputPath:  out,
		Connections: 5,
		BufferSize:  10,
		Retry:       fastRetry(0),
		Client:      fx.client(),
		Fs:          afero.NewOsFs(),
		OnProgress: func(d int64) {
			if progressed.Add(d) >= firstTwo {
				once.Do(func() { close(release) })
			}
		},
	}
	job, err := Download(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, job.Phase())
	assert.FileExists(t, out)
	require.FileExists(t, state.PathFor(out))

	saved, err := state.Load(afero.NewOsFs(), state.PathFor(out))
	require.NoError(t, err)
	require.True(t, saved.Chunks[0].Done())
	require.True(t, saved.Chunks[1].Done())
	var expected []string
	for _, p := range plans[2:] {
		from := p.Start
		if c, ok := saved.Chunks[p.Index]; ok {
			assert.LessOrEqual(t, c.Offset, p.Start+55)
			from = c.Offset
		}
		expected = append(expected, rangeOf(p, from))
	}

	fx.setIntercept(nil)
	fx.reset()
	progressed.Store(0)
	opts.OnProgress = func(d int64) { progressed.Add(d) }
	job, err = Download(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, out, job.OutputPath, "resume keeps the original output path")
	assert.True(t, job.Resumable)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(content, got), "resumed output differs from source")
	assert.NoFileExists(t, state.PathFor(out))
	assert.Equal(t, int64(size), progressed.Load())

	// resumed requests start exactly at the committed offsets, in BufferSize steps
	var firstRequests []string
	seen := map[int64]bool{}
	for _, r := range fx.recorded() {
		for _, p := range plans {
			start := rangeStart(r)
			if start >= p.Start && start <= p.End && !seen[p.Start] {
				seen[p.Start] = true
				firstRequests = append(firstRequests, r)
			}
		}
	}
	assert.ElementsMatch(t, expected, firstRequests)
	assert.False(t, seen[plans[0].Start] || seen[plans[1].Start], "completed chunks must not be fetched again")
}

func TestRetryResumesFromCursor(t *testing.T) {
	content := randomContent(500)
	plans, err := PlanChunks(500, 2)
	require.NoError(t, err)
	fx := newRangeFixture(t, content)
	var failed atomic.Bool
	fx.setIntercept(func(w http.ResponseWriter, r *http.Request, start int64) bool {
		if start != plans[1].Start || !failed.CompareAndSwap(false, true) {
			return false
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/500", start, plans[1].End))
		w.Header().Set("Content-Length", strconv.FormatInt(plans[1].Len(), 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : start+25])
		return true
	})
	out := filepath.Join(t.TempDir(), "retry.bin")
	_, err = Download(context.Background(), Options{
		URL:         fx.url(),
		OutputPath:  out,
		Connections: 2,
		BufferSize:  10,
		Retry:       fastRetry(3),
		Client:      fx.client(),
		Fs:          afero.NewOsFs(),
	})
	require.NoError(t, err)
	assert.Contains(t, fx.recorded(), rangeOf(plans[1], plans[1].Start+25))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestRetryOnServerError(t *testing.T) {
	content := randomContent(300)
	plans, err := PlanChunks(300, 3)
	require.NoError(t, err)
	fx := newRangeFixture(t, content)
	var failures atomic.Int32
	fx.setIntercept(func(w http.ResponseWriter, r *http.Request, start int64) bool {
		if start == plans[2].Start && failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	out := filepath.Join(t.TempDir(), "flaky.bin")
	_, err = Download(context.Background(), Options{
		URL:         fx.url(),
		OutputPath:  out,
		Connections: 3,
		Retry:       fastRetry(3),
		Client:      fx.client(),
		Fs:          afero.NewOsFs(),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), failures.Load())
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestClientErrorIsNotRetried(t *testing.T) {
	content := randomContent(300)
	plans, err := PlanChunks(300, 3)
	require.NoError(t, err)
	fx := newRangeFixture(t, content)
	var hits atomic.Int32
	fx.setIntercept(func(w http.ResponseWriter, r *http.Request, start int64) bool {
		if start != plans[2].Start {
			return false
		}
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
		return true
	})
	out := filepath.Join(t.TempDir(), "gone.bin")
	_, err = Download(context.Background(), Options{
		URL:         fx.url(),
		OutputPath:  out,
		Connections: 3,
		Retry:       fastRetry(3),
		Client:      fx.client(),
		Fs:          afero.NewOsFs(),
	})
	require.ErrorIs(t, err, utils.ErrUnexpectedStatus)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, int32(1), hits.Load())
}

func TestUnsupportedResourceCreatesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no ranges here"))
	}))
	defer srv.Close()
	out := filepath.Join(t.TempDir(), "plain.txt")

	job, err := Download(context.Background(), Options{
		URL:        srv.URL,
		OutputPath: out,
		Client:     utils.WrapHTTPClient(srv.Client(), utils.HTTPClientConfig{}),
		Fs:         afero.NewOsFs(),
	})
	require.ErrorIs(t, err, utils.ErrUnsupportedResource)
	assert.Equal(t, PhaseFailed, job.Phase())
	assert.NoFileExists(t, out)
	assert.NoFileExists(t, state.PathFor(out))
}

func TestServerIgnoringRange(t *testing.T) {
	content := []byte("whole body only")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()
	client := utils.WrapHTTPClient(srv.Client(), utils.HTTPClientConfig{})
	dir := t.TempDir()

	_, err := Download(context.Background(), Options{
		URL: srv.URL, OutputPath: filepath.Join(dir, "one.txt"), Connections: 1, Client: client, Fs: afero.NewOsFs(),
	})
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = Download(context.Background(), Options{
		URL: srv.URL, OutputPath: filepath.Join(dir, "two.txt"), Connections: 2, Retry: fastRetry(1), Client: client, Fs: afero.NewOsFs(),
	})
	assert.ErrorIs(t, err, utils.ErrUnexpectedStatus)
}

func TestEmptyResource(t *testing.T) {
	fx := newRangeFixture(t, nil)
	out := filepath.Join(t.TempDir(), "empty.bin")
	_, err := Download(context.Background(), Options{
		URL: fx.url(), OutputPath: out, Connections: 5, Client: fx.client(), Fs: afero.NewOsFs(),
	})
	require.NoError(t, err)
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.Empty(t, fx.recorded())
	assert.NoFileExists(t, state.PathFor(out))
}

func TestExistingFileGetsUniqueName(t *testing.T) {
	content := randomContent(64)
	fx := newRangeFixture(t, content)
	dir := t.TempDir()
	out := filepath.Join(dir, "movie.mp4")
	require.NoError(t, os.WriteFile(out, []byte("unrelated"), 0644))

	job, err := Download(context.Background(), Options{
		URL: fx.url(), OutputPath: out, Client: fx.client(), Fs: afero.NewOsFs(),
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "movie (1).mp4"), job.OutputPath)
	kept, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "unrelated", string(kept))
}

func TestCancelledDownloadKeepsState(t *testing.T) {
	content := randomContent(400)
	fx := newRangeFixture(t, content)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.setIntercept(func(w http.ResponseWriter, r *http.Request, start int64) bool {
		if start == 0 {
			return false
		}
		cancel()
		<-r.Context().Done()
		return true
	})
	out := filepath.Join(t.TempDir(), "cancel.bin")
	var committed atomic.Int64
	_, err := Download(ctx, Options{
		URL: fx.url(), OutputPath: out, Connections: 2, Client: fx.client(), Fs: afero.NewOsFs(),
		OnProgress: func(d int64) { committed.Add(d) },
	})
	require.ErrorIs(t, err, context.Canceled)
	if committed.Load() > 0 {
		assert.FileExists(t, state.PathFor(out))
	}
}

// every ranged request delivers at most step bytes and then drops the body
func truncatingIntercept(content []byte, step int64) func(w http.ResponseWriter, r *http.Request, start int64) bool {
	size := int64(len(content))
	return func(w http.ResponseWriter, r *http.Request, start int64) bool {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, size-1, size))
		w.Header().Set("Content-Length", strconv.FormatInt(size-start, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:min(start+step, size)])
		return true
	}
}

func TestRetryBudgetResetsWhileChunkProgresses(t *testing.T) {
	content := randomContent(1000)
	fx := newRangeFixture(t, content)
	fx.setIntercept(truncatingIntercept(content, 100))
	out := filepath.Join(t.TempDir(), "slow.bin")
	_, err := Download(context.Background(), Options{
		URL:         fx.url(),
		OutputPath:  out,
		Connections: 1,
		BufferSize:  10,
		Retry:       fastRetry(3),
		Client:      fx.client(),
		Fs:          afero.NewOsFs(),
	})
	require.NoError(t, err)
	assert.Len(t, fx.recorded(), 10)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
}

func TestRetryBudgetExhaustedWithoutProgress(t *testing.T) {
	content := randomContent(200)
	fx := newRangeFixture(t, content)
	fx.setIntercept(truncatingIntercept(content, 0))
	out := filepath.Join(t.TempDir(), "stalled.bin")
	job, err := Download(context.Background(), Options{
		URL:         fx.url(),
		OutputPath:  out,
		Connections: 1,
		BufferSize:  10,
		Retry:       fastRetry(3),
		Client:      fx.client(),
		Fs:          afero.NewOsFs(),
	})
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, job.Phase())
	assert.Equal(t, []string{"bytes=0-199", "bytes=0-199", "bytes=0-199", "bytes=0-199"}, fx.recorded())
}

func TestMismatchedStateIsNotReportedAsResumed(t *testing.T) {
	content := randomContent(400)
	fx := newRangeFixture(t, content)
	out := filepath.Join(t.TempDir(), "stale.bin")
	osFs := afero.NewOsFs()
	require.NoError(t, afero.WriteFile(osFs, out, make([]byte, 400), 0644))
	stale := state.Open(osFs, out, state.Meta{
		URL:       "http://elsewhere.example/stale.bin",
		TotalSize: 400,
		Chunks:    []state.Bounds{{Start: 0, End: 199}, {Start: 200, End: 399}},
	})
	require.NoError(t, stale.Commit(0, state.Cursor{Index: 0, Start: 0, End: 199, Offset: 100}))

	job, err := Download(context.Background(), Options{
		URL:         fx.url(),
		OutputPath:  out,
		Connections: 2,
		Retry:       fastRetry(0),
		Client:      fx.client(),
		Fs:          osFs,
	})
	require.NoError(t, err)
	assert.Equal(t, out, job.OutputPath)
	assert.False(t, job.Resumable)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.ElementsMatch(t, []string{"bytes=0-200", "bytes=201-399"}, fx.recorded())
}
