package telemetry

import (
	"fmt"
	"sync"
)

// Event is a single call recorded by Recorder.
type Event struct {
	Kind   string
	Id     string
	Params []any
}

// Recorder is an API that keeps everything reported to it, tests use it to
// assert that failures were reported instead of silently dropped.
type Recorder struct {
	mutex  sync.Mutex
	Events []Event
}

func (r *Recorder) record(kind, id string, params []any) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.Events = append(r.Events, Event{Kind: kind, Id: id, Params: params})
}

func (r *Recorder) ReportBroken(id string, params ...any)  { r.record("broken", id, params) }
func (r *Recorder) ReportWarning(id string, params ...any) { r.record("warning", id, params) }
func (r *Recorder) ReportInfo(msg string, params ...any)   { r.record("info", msg, params) }
func (r *Recorder) ReportDebug(msg string, params ...any)  { r.record("debug", msg, params) }
func (r *Recorder) ReportCount(id string, count int64)     { r.record("count", id, []any{count}) }

// Broken returns the ids of every ReportBroken call, formatted with their params.
func (r *Recorder) Broken() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var out []string
	for _, e := range r.Events {
		if e.Kind != "broken" {
			continue
		}
		out = append(out, fmt.Sprint(append([]any{e.Id}, e.Params...)...))
	}
	return out
}

// Reported checks if anything of the given kind was reported with the id.
func (r *Recorder) Reported(kind, id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, e := range r.Events {
		if e.Kind == kind && e.Id == id {
			return true
		}
	}
	return false
}
