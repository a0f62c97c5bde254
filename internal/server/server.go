// Package server serves a single local file over HTTP with byte-range support.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"github.com/tanq16/rangedl/internal/utils"
)

const streamChunk = 1024 * 1024

var rangePattern = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

type FileServer struct {
	fs   afero.Fs
	path string
}

// New returns a handler serving path at /file and /.
func New(afs afero.Fs, path string) http.Handler {
	fsrv := &FileServer{fs: afs, path: path}
	mux := http.NewServeMux()
	mux.Handle("/file", fsrv)
	mux.Handle("/", fsrv)
	return mux
}

func (s *FileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := utils.GetLogger("server")
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	f, err := s.fs.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Failed to open served file")
		http.Error(w, "cannot open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	size := info.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	header := r.Header.Get("Range")
	if header == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			s.stream(w, f, 0, size)
		}
		return
	}
	start, end, ok := parseRange(header, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return
	}
	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodGet {
		s.stream(w, f, start, length)
	}
	log.Debug().Int64("start", start).Int64("end", end).Msg("Range served")
}

// parseRange resolves "bytes=a-b" against size. A missing start means 0 and a
// missing end means the last byte; the end is clamped to the file.
func parseRange(header string, size int64) (int64, int64, bool) {
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return 0, 0, false
	}
	var start int64
	end := size - 1
	if m[1] != "" {
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		start = v
	}
	if m[2] != "" {
		v, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		end = min(v, size-1)
	}
	if start >= size || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func (s *FileServer) stream(w io.Writer, f afero.File, start, length int64) {
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	buf := make([]byte, streamChunk)
	if _, err := io.CopyBuffer(w, io.LimitReader(f, length), buf); err != nil {
		log := utils.GetLogger("server")
		log.Debug().Err(err).Msg("Client went away")
	}
}

// ListenAndServe serves path on addr until ctx is cancelled or the listener fails.
func ListenAndServe(ctx context.Context, addr, path string) error {
	log := utils.GetLogger("server")
	srv := &http.Server{
		Addr:              addr,
		Handler:           New(afero.NewOsFs(), path),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("file", path).Msg("Serving file")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
