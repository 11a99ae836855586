// Copyright (c) 2024 The Sluice Project and its Contributors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package functions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/StalkR/hsts"
	"github.com/google/uuid"

	"github.com/fileworks/sluice/entities"
	"github.com/fileworks/sluice/fault"
	"github.com/fileworks/sluice/store"
)

// response statuses that indicate a transient condition worth retrying
var autoRetryStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// bodies and responses are truncated to this many characters in the api log
const maxApiLogChars = 500000

// SecureHttpClient builds an HTTPS-only client with HSTS enabled, refusing
// redirects that downgrade to plain HTTP.
func SecureHttpClient(timeout time.Duration) http.Client {
	client := http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if req.URL.Scheme == "http" {
				return fmt.Errorf("redirected to non-HTTPS endpoint %s%s",
					req.URL.Host, req.URL.Path)
			}
			return http.ErrUseLastResponse
		},
	}
	client.Transport = hsts.New(client.Transport)
	return client
}

// An ApiClient makes outbound API calls on behalf of upload and validation
// functions. Every non-GET exchange is persisted to the api log, and failures
// come back as fault errors already classified for the retry machinery.
type ApiClient struct {
	client  http.Client
	apiLogs store.ApiLogs
	timeout time.Duration
	// when set, non-GET requests are logged but never sent
	dryrun bool
}

// NewApiClient creates a client with the given per-request timeout.
func NewApiClient(apiLogs store.ApiLogs, timeout time.Duration, dryrun bool) *ApiClient {
	return &ApiClient{
		client:  SecureHttpClient(timeout),
		apiLogs: apiLogs,
		timeout: timeout,
		dryrun:  dryrun,
	}
}

// Get performs a GET request. GETs are not persisted to the api log.
func (c *ApiClient) Get(ctx context.Context, url string, headers map[string]string) (string, error) {
	content, _, err := c.do(ctx, http.MethodGet, url, headers, "")
	return content, err
}

// Post performs a POST request and returns the response body. The returned
// log id identifies the persisted api log entry, also on failure.
func (c *ApiClient) Post(ctx context.Context, url string, headers map[string]string, body string) (string, string, error) {
	return c.do(ctx, http.MethodPost, url, headers, body)
}

func (c *ApiClient) do(ctx context.Context, method, url string, headers map[string]string, body string) (string, string, error) {
	logged := method != http.MethodGet
	apiLog := &entities.ApiLog{
		Id:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Dryrun:    c.dryrun && logged,
		Request: entities.ApiLogRequest{
			Method:    method,
			Url:       url,
			Body:      truncate(body),
			TimeoutMs: c.timeout.Milliseconds(),
		},
	}

	if c.dryrun && logged {
		apiLog.Response = entities.ApiLogResponse{Code: http.StatusOK, Content: "dryrun"}
		c.persist(ctx, apiLog)
		return "dryrun", apiLog.Id, nil
	}

	request, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return "", "", fault.NewConfigurationError("invalid request for %s: %s", url, err.Error())
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	start := time.Now()
	response, err := c.client.Do(request)
	elapsed := time.Since(start)
	if err != nil {
		classified := classifyTransportError(url, err)
		apiLog.Response = entities.ApiLogResponse{
			ElapsedMs:     elapsed.Milliseconds(),
			ExceptionType: fmt.Sprintf("%T", err),
			ExceptionMsg:  err.Error(),
		}
		logId := ""
		if logged {
			c.persist(ctx, apiLog)
			logId = apiLog.Id
		}
		attachApiLogId(classified, logId)
		return "", logId, classified
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return "", "", fault.NewExecutionError("reading response from %s: %s", url, err.Error())
	}
	content := string(raw)

	apiLog.Response = entities.ApiLogResponse{
		Code:      response.StatusCode,
		Headers:   flattenHeaders(response.Header),
		ElapsedMs: elapsed.Milliseconds(),
		Content:   truncate(content),
	}
	logId := ""
	if logged {
		c.persist(ctx, apiLog)
		logId = apiLog.Id
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return content, logId, &fault.ExecutionError{
			Message:    fmt.Sprintf("%s returned status %d", url, response.StatusCode),
			Code:       fault.Code(response.StatusCode),
			AutoRetry:  autoRetryStatuses[response.StatusCode],
			HttpStatus: response.StatusCode,
			ApiLogId:   logId,
		}
	}
	return content, logId, nil
}

func (c *ApiClient) persist(ctx context.Context, apiLog *entities.ApiLog) {
	if c.apiLogs == nil {
		return
	}
	if err := c.apiLogs.Insert(ctx, apiLog); err != nil {
		slog.Error(fmt.Sprintf("Failed to persist api log %s: %s", apiLog.Id, err.Error()))
	}
}

// classifyTransportError maps a transport failure onto the fault taxonomy:
// DNS failures are configuration problems, timeouts and refused connections
// are retriable execution problems.
func classifyTransportError(url string, err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fault.NewConfigurationError("cannot resolve host for %s: %s", url, dnsErr.Error())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &fault.ExecutionError{
			Message:   fmt.Sprintf("request to %s timed out", url),
			Code:      fault.TimeoutError,
			AutoRetry: true,
		}
	}
	return &fault.ExecutionError{
		Message:   fmt.Sprintf("request to %s failed: %s", url, err.Error()),
		Code:      fault.ConnectionError,
		AutoRetry: true,
	}
}

func attachApiLogId(err error, logId string) {
	if logId == "" {
		return
	}
	switch e := err.(type) {
	case *fault.ConfigurationError:
		e.ApiLogId = logId
	case *fault.ExecutionError:
		e.ApiLogId = logId
	}
}

func flattenHeaders(header http.Header) map[string]string {
	flat := make(map[string]string, len(header))
	for key := range header {
		flat[key] = header.Get(key)
	}
	return flat
}

func truncate(s string) string {
	if len(s) > maxApiLogChars {
		return s[:maxApiLogChars]
	}
	return s
}
