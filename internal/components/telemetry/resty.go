package telemetry

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	report_http_request   = "http.request"
	report_http_response  = "http.response"
	report_http_error     = "http.error"
	report_http_throttled = "http.throttled"
)

type requestInfoKey struct{}

type requestInfo struct {
	id    uint64
	start time.Time
}

type restyHooks struct {
	tel       API
	requests  *atomic.Uint64
	throttled *atomic.Int64
}

// InstrumentResty numbers every request made through client and reports its
// method, url, status and latency at debug level. 429 responses are counted
// under http.throttled. Bodies of failed exchanges are not reported here, use
// restyutil.DumpFailures for those.
func InstrumentResty(client *resty.Client, tel API) {
	h := restyHooks{
		tel:       tel,
		requests:  &atomic.Uint64{},
		throttled: &atomic.Int64{},
	}
	client.OnBeforeRequest(h.before)
	client.OnAfterResponse(h.after)
	client.OnError(h.failed)
}

func (h restyHooks) before(_ *resty.Client, req *resty.Request) error {
	info := requestInfo{
		id:    h.requests.Add(1),
		start: time.Now(),
	}
	req.SetContext(context.WithValue(req.Context(), requestInfoKey{}, info))
	h.tel.ReportDebug(report_http_request, "id", info.id, "method", req.Method, "url", req.URL)
	return nil
}

func (h restyHooks) after(_ *resty.Client, res *resty.Response) error {
	info, ok := res.Request.Context().Value(requestInfoKey{}).(requestInfo)
	if !ok {
		return nil
	}
	h.tel.ReportDebug(
		report_http_response,
		"id", info.id,
		"status", res.StatusCode(),
		"took", time.Since(info.start).String(),
	)
	if res.StatusCode() == http.StatusTooManyRequests {
		h.tel.ReportCount(report_http_throttled, h.throttled.Add(1))
	}
	return nil
}

func (h restyHooks) failed(req *resty.Request, err error) {
	info, _ := req.Context().Value(requestInfoKey{}).(requestInfo)
	var took time.Duration
	if !info.start.IsZero() {
		took = time.Since(info.start)
	}
	h.tel.ReportDebug(
		report_http_error,
		"id", info.id,
		"method", req.Method,
		"url", req.URL,
		"took", took.String(),
		"err", err,
	)
}
