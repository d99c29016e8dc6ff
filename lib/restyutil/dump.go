// Package restyutil keeps copies of failed exchanges around so that markup
// changes on the storefront can be looked at after a run.
package restyutil

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-resty/resty/v2"
)

// DumpFailures writes every response with a status of 400 or above, except
// 404, to output. Files are named `<n>-<status>.txt` in request order.
func DumpFailures(client *resty.Client, output Output) {
	var counter uint64
	client.OnAfterResponse(func(_ *resty.Client, res *resty.Response) error {
		status := res.StatusCode()
		if status < 400 || status == http.StatusNotFound {
			return nil
		}
		n := atomic.AddUint64(&counter, 1)
		output.Write(fmt.Sprintf("%04d-%d.txt", n, status), formatExchange(res))
		return nil
	})
}

func formatHeaders(out *strings.Builder, headers http.Header) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range headers[k] {
			fmt.Fprintf(out, "%s: %s\n", k, v)
		}
	}
}

func formatExchange(res *resty.Response) string {
	var out strings.Builder
	fmt.Fprintf(&out, "%s %s\n", res.Request.Method, res.Request.URL)
	if res.Request.RawRequest != nil {
		formatHeaders(&out, res.Request.RawRequest.Header)
	}
	fmt.Fprintf(&out, "\n%s\n", res.Status())
	formatHeaders(&out, res.Header())
	out.WriteString("\n")
	out.Write(res.Body())
	return out.String()
}
