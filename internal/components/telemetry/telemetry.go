package telemetry

import (
	"fmt"
)

// API is an abstraction over logging/metrics so scrapers and the claim engine can
// be tested against a recorder instead of the real logger.
//
// note: fault injection point
type API interface {
	// ReportBroken reports a unit of work (a page, a profile, an item) that failed
	// and was skipped.
	//
	// The `id` names the component, not the specific failure: `catalog.scan-sale`,
	// not `catalog.scan-sale-404`. Anything more specific goes into params, usually
	// as a wrapped error followed by the url being worked on.
	//
	// Formatting rules:
	// 1) all lowercase
	// 2) use underscores for large components
	// 3) use dashes for methods part of a larger component
	ReportBroken(id string, params ...any)

	// ReportWarning reports something unexpected that did not cause the unit of
	// work to be skipped.
	ReportWarning(id string, params ...any)

	// ReportInfo reports user visible progress (claimed an item, started a frontier).
	ReportInfo(msg string, params ...any)

	// ReportDebug reports debug information that is hidden unless verbose output is on.
	ReportDebug(msg string, params ...any)

	// ReportCount reports the current value of a counter, these should be interpreted
	// as points of data over time and not summed.
	ReportCount(id string, count int64)
}

// ScopedAPI attaches a namespace to every id reported through it.
type ScopedAPI struct {
	namespace string
	inner     API
}

// NewScopedAPI creates a ScopedAPI out of a given namespace and another api.
func NewScopedAPI(namespace string, inner API) ScopedAPI {
	return ScopedAPI{namespace: namespace, inner: inner}
}

func (s ScopedAPI) ReportBroken(id string, params ...any) {
	s.inner.ReportBroken(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportWarning(id string, params ...any) {
	s.inner.ReportWarning(fmt.Sprintf("%s: %s", s.namespace, id), params...)
}

func (s ScopedAPI) ReportInfo(msg string, params ...any) {
	s.inner.ReportInfo(fmt.Sprintf("%s: %s", s.namespace, msg), params...)
}

func (s ScopedAPI) ReportDebug(msg string, params ...any) {
	s.inner.ReportDebug(fmt.Sprintf("%s: %s", s.namespace, msg), params...)
}

func (s ScopedAPI) ReportCount(id string, count int64) {
	s.inner.ReportCount(fmt.Sprintf("%s: %s", s.namespace, id), count)
}
