// Package report writes what a run found into plain text files: run logs that
// grow while the run goes on and reports grouped by sale written at the end.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
)

const (
	FileClaimed  = "report-claimed.txt"
	FileMissed   = "report-missed.txt"
	FileUpcoming = "report-upcoming.txt"

	LogActive = "sale-active.txt"
	LogMiss   = "sale-miss.txt"
	LogFuture = "sale-future.txt"
)

const report_report_log = "log"

// emptyDate fills the date columns of a sale without that date.
const emptyDate = "-"

type group struct {
	sale  itch.Sale
	items []string
}

// Report groups item urls by the sale they were found in.
type Report struct {
	// Ascending orders groups by the oldest start first, otherwise the newest
	// sale comes first.
	Ascending bool

	groups []*group
	index  map[int64]*group
}

func New(ascending bool) *Report {
	return &Report{Ascending: ascending, index: map[int64]*group{}}
}

// Add appends item to the group of sale, items keep the order they were added
// in and duplicates within a sale are dropped.
func (r *Report) Add(sale itch.Sale, item string) {
	g, ok := r.index[sale.Id]
	if !ok {
		g = &group{sale: sale}
		r.index[sale.Id] = g
		r.groups = append(r.groups, g)
	}
	for _, existing := range g.items {
		if existing == item {
			return
		}
	}
	g.items = append(g.items, item)
}

func (r *Report) Len() int {
	return len(r.groups)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return emptyDate
	}
	return t.Format(time.RFC3339)
}

// Format renders every group as a header line with the sale url, start and
// end followed by one item per line.
func (r *Report) Format() []byte {
	groups := append([]*group(nil), r.groups...)
	sort.SliceStable(groups, func(i, j int) bool {
		if r.Ascending {
			return groups[i].sale.Start.Before(groups[j].sale.Start)
		}
		return groups[i].sale.Start.After(groups[j].sale.Start)
	})

	var out bytes.Buffer
	for _, g := range groups {
		fmt.Fprintf(
			&out, "%-50s %-25s %-25s\n",
			itch.SaleLink(g.sale.Id), formatDate(g.sale.Start), formatDate(g.sale.End),
		)
		for _, item := range g.items {
			out.WriteString(item)
			out.WriteByte('\n')
		}
	}
	return out.Bytes()
}

// Writer owns the report directory of a run.
type Writer struct {
	dir string
	tel telemetry.API
}

func NewWriter(dir string, tel telemetry.API) Writer {
	assert.NotEmptyStr(dir)
	assert.NotNil(tel)
	return Writer{dir: dir, tel: telemetry.NewScopedAPI("report", tel)}
}

func (w Writer) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Reset empties a run log.
func (w Writer) Reset(name string) error {
	err := os.MkdirAll(w.dir, 0755)
	if err != nil {
		return err
	}
	return os.WriteFile(w.Path(name), nil, 0644)
}

// Log appends one line to a run log right away so it survives an interrupted
// run. Failures are reported and otherwise ignored.
func (w Writer) Log(name, line string) {
	err := w.appendLine(name, line)
	if err != nil {
		w.tel.ReportBroken(report_report_log, err, name)
	}
}

func (w Writer) appendLine(name, line string) error {
	err := os.MkdirAll(w.dir, 0755)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, line)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write stores a report, empty reports leave any previous file untouched.
func (w Writer) Write(name string, report *Report) error {
	if report.Len() == 0 {
		return nil
	}
	err := os.MkdirAll(w.dir, 0755)
	if err != nil {
		return err
	}
	return os.WriteFile(w.Path(name), report.Format(), 0644)
}

// Reports are the grouped reports one sale scan produces.
type Reports struct {
	Claimed  *Report
	Missed   *Report
	Upcoming *Report
}

func NewReports() Reports {
	return Reports{
		Claimed:  New(false),
		Missed:   New(false),
		Upcoming: New(true),
	}
}

func (w Writer) WriteAll(reports Reports) error {
	for name, report := range map[string]*Report{
		FileClaimed:  reports.Claimed,
		FileMissed:   reports.Missed,
		FileUpcoming: reports.Upcoming,
	} {
		err := w.Write(name, report)
		if err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
