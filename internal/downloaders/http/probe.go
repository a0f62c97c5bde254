package rangehttp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tanq16/rangedl/internal/utils"
)

// StatusError carries the HTTP status of a rejected response.
type StatusError struct {
	Code   int
	Method string
	Range  string
}

func (e *StatusError) Error() string {
	if e.Range != "" {
		return fmt.Sprintf("%s returned %d for range %s", e.Method, e.Code, e.Range)
	}
	return fmt.Sprintf("%s returned %d", e.Method, e.Code)
}

// Probe asks the server for the resource size and confirms it serves byte
// ranges. HEAD is tried first; a 4xx or 501 answer to HEAD is retried with GET
// since signed URLs and some servers only authorise GET.
func Probe(ctx context.Context, client utils.HTTPDoer, link string) (int64, error) {
	log := utils.GetLogger("probe").With().Str("url", link).Logger()
	resp, err := probeRequest(ctx, client, http.MethodHead, link)
	if err != nil {
		return 0, err
	}
	if (resp.StatusCode >= 400 && resp.StatusCode < 500) || resp.StatusCode == http.StatusNotImplemented {
		resp.Body.Close()
		log.Debug().Int("status", resp.StatusCode).Msg("HEAD rejected, probing with GET")
		resp, err = probeRequest(ctx, client, http.MethodGet, link)
		if err != nil {
			return 0, err
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, utils.NewError(utils.KindUnexpectedStatus, &StatusError{Code: resp.StatusCode, Method: resp.Request.Method}, "probe %s", link)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return 0, utils.NewError(utils.KindUnsupportedResource, nil, "server does not advertise byte ranges for %s", link)
	}
	contentLength := resp.Header.Get("Content-Length")
	if contentLength == "" {
		return 0, utils.NewError(utils.KindUnsupportedResource, nil, "server did not provide Content-Length for %s", link)
	}
	size, err := strconv.ParseInt(contentLength, 10, 64)
	if err != nil || size < 0 {
		return 0, utils.NewError(utils.KindUnsupportedResource, err, "invalid Content-Length %q for %s", contentLength, link)
	}
	log.Debug().Int64("size", size).Msg("Resource probed")
	return size, nil
}

func probeRequest(ctx context.Context, client utils.HTTPDoer, method, link string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return nil, utils.NewError(utils.KindInvalidArgument, err, "build %s request", method)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", link, err)
	}
	return resp, nil
}
