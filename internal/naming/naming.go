// Package naming resolves local file names for remote resources.
package naming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/spf13/afero"
	"github.com/tanq16/rangedl/internal/utils"
)

const (
	FallbackName = "download"
	SniffSize    = 4096 * 6
)

var (
	unsafeChars   = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ()]+`)
	counterSuffix = regexp.MustCompile(`^(.*?) ?\((\d+)\)$`)
	queryKeys     = []string{"file", "filename", "name", "download"}
)

// Sanitize replaces characters outside a portable set and strips any directory part.
func Sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimSpace(unsafeChars.ReplaceAllString(name, "_"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

// DetectName picks a local name for link: Content-Disposition from HEAD then GET,
// the last URL path segment when it has an extension, a well-known query key,
// and finally a name derived from the first bytes of the body.
func DetectName(ctx context.Context, client utils.HTTPDoer, link string) string {
	log := utils.GetLogger("naming").With().Str("url", link).Logger()
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		if name := dispositionName(ctx, client, method, link); name != "" {
			log.Debug().Str("name", name).Str("method", method).Msg("Name from Content-Disposition")
			return name
		}
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return FallbackName
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		if seg, err := url.PathUnescape(path.Base(parsed.Path)); err == nil {
			if name := Sanitize(seg); strings.Contains(name, ".") {
				return name
			}
		}
	}
	query := parsed.Query()
	for _, key := range queryKeys {
		if name := Sanitize(query.Get(key)); name != "" {
			return name
		}
	}
	sniffed, err := sniff(ctx, client, link)
	if err != nil {
		log.Debug().Err(err).Msg("Could not sniff content, using fallback name")
		return FallbackName
	}
	return RefineName("", sniffed)
}

func dispositionName(ctx context.Context, client utils.HTTPDoer, method, link string) string {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return ""
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	return ParseDisposition(resp.Header.Get("Content-Disposition"))
}

// ParseDisposition extracts a sanitized file name from a Content-Disposition value.
func ParseDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	// mime decodes filename* into filename
	if fn := params["filename"]; fn != "" {
		return Sanitize(fn)
	}
	return ""
}

func sniff(ctx context.Context, client utils.HTTPDoer, link string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", SniffSize-1))
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, utils.NewError(utils.KindUnexpectedStatus, nil, "sniff returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, SniffSize))
}

// RefineName corrects name's extension from the sniffed leading bytes. Unknown
// content keeps name as is; with no name a type-based one is generated.
func RefineName(name string, sniffed []byte) string {
	kind, err := filetype.Match(sniffed)
	if err != nil || kind == filetype.Unknown {
		if name != "" {
			return name
		}
		return uuid.NewString()
	}
	if name == "" {
		return fmt.Sprintf("%s.%s", kind.MIME.Type, kind.Extension)
	}
	ext := filepath.Ext(name)
	if strings.EqualFold(strings.TrimPrefix(ext, "."), kind.Extension) {
		return name
	}
	return strings.TrimSuffix(name, ext) + "." + kind.Extension
}

// UniquePath returns p when nothing exists there, otherwise the first free
// "name (n).ext" sibling. A name already ending in " (k)" counts on from k.
func UniquePath(afs afero.Fs, p string) (string, error) {
	if _, err := afs.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return p, nil
	} else if err != nil {
		return "", utils.NewError(utils.KindIOFailure, err, "stat %s", p)
	}
	dir, file := filepath.Split(p)
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	counter := 0
	if m := counterSuffix.FindStringSubmatch(base); m != nil {
		base = m[1]
		counter, _ = strconv.Atoi(m[2])
	}
	for {
		counter++
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, counter, ext))
		_, err := afs.Stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", utils.NewError(utils.KindIOFailure, err, "stat %s", candidate)
		}
	}
}
