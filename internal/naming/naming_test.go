package naming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/rangedl/internal/utils"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestUniquePath(t *testing.T) {
	fs := afero.NewMemMapFs()

	p, err := UniquePath(fs, "/dl/movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "/dl/movie.mp4", p)

	require.NoError(t, afero.WriteFile(fs, "/dl/movie.mp4", []byte("x"), 0644))
	p, err = UniquePath(fs, "/dl/movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "/dl/movie (1).mp4", p)

	require.NoError(t, afero.WriteFile(fs, "/dl/movie (1).mp4", []byte("x"), 0644))
	p, err = UniquePath(fs, "/dl/movie.mp4")
	require.NoError(t, err)
	assert.Equal(t, "/dl/movie (2).mp4", p)
}

func TestUniquePathContinuesExistingCounter(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dl/clip (3).mkv", []byte("x"), 0644))

	p, err := UniquePath(fs, "/dl/clip (3).mkv")
	require.NoError(t, err)
	assert.Equal(t, "/dl/clip (4).mkv", p)

	require.NoError(t, afero.WriteFile(fs, "/dl/notes (3)", []byte("x"), 0644))
	p, err = UniquePath(fs, "/dl/notes (3)")
	require.NoError(t, err)
	assert.Equal(t, "/dl/notes (4)", p)
}

func TestRefineName(t *testing.T) {
	assert.Equal(t, "photo.png", RefineName("photo.jpg", pngHeader))
	assert.Equal(t, "photo.png", RefineName("photo", pngHeader))
	assert.Equal(t, "photo.PNG", RefineName("photo.PNG", pngHeader))
	assert.Equal(t, "image.png", RefineName("", pngHeader))
	assert.Equal(t, "notes.txt", RefineName("notes.txt", []byte("plain words")))

	generated := RefineName("", []byte("plain words"))
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "passwd", Sanitize("../../etc/passwd"))
	assert.Equal(t, "a_b.txt", Sanitize("a*b.txt"))
	assert.Equal(t, "file (1).zip", Sanitize("file (1).zip"))
	assert.Equal(t, "", Sanitize(".."))
	assert.Equal(t, "", Sanitize(""))
}

func TestParseDisposition(t *testing.T) {
	assert.Equal(t, "report.pdf", ParseDisposition(`attachment; filename="report.pdf"`))
	assert.Equal(t, "r_sum_.pdf", ParseDisposition(`attachment; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`))
	assert.Equal(t, "", ParseDisposition("inline"))
	assert.Equal(t, "", ParseDisposition(""))
}

func TestDetectName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/disposition", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="from-header.iso"`)
	})
	mux.HandleFunc("/files/archive.zip", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/blob/", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeader)
	})
	mux.HandleFunc("/missing/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	client := utils.WrapHTTPClient(srv.Client(), utils.HTTPClientConfig{})
	ctx := context.Background()

	assert.Equal(t, "from-header.iso", DetectName(ctx, client, srv.URL+"/disposition"))
	assert.Equal(t, "archive.zip", DetectName(ctx, client, srv.URL+"/files/archive.zip"))
	assert.Equal(t, "data.csv", DetectName(ctx, client, srv.URL+"/get?filename=data.csv"))
	assert.Equal(t, "image.png", DetectName(ctx, client, srv.URL+"/blob/"))
	assert.Equal(t, FallbackName, DetectName(ctx, client, srv.URL+"/missing/"))
}
