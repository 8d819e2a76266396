package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/254CARBON/access-sub001/pkg/apperr"
)

const maxResponseBytes = 16 << 20

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: upstream status %d", e.Method, e.URL, e.Status)
}

// ErrorKind classifies upstream 404 as not_found, other 4xx as
// invalid_argument and everything else as a dependency failure.
func (e *StatusError) ErrorKind() apperr.Kind {
	switch {
	case e.Status == http.StatusNotFound:
		return apperr.NotFound
	case e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout:
		return apperr.InvalidArgument
	default:
		return apperr.Dependency
	}
}

// RequestJSON performs a single HTTP round trip and returns the body of a
// 2xx response. Transport failures are dependency errors; callers compose
// retries and breakers around it.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperr.Wrap(apperr.Dependency, "", fmt.Errorf("%s %s: %w", method, url, err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.Dependency, "", fmt.Errorf("read %s: %w", url, err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, URL: url, Status: resp.StatusCode, Body: respBody}
	}
	return respBody, nil
}
