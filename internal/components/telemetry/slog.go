package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// SlogAPI implements API using the log/slog package.
type SlogAPI struct{}

// InitSlog installs the default slog handler, verbose enables debug output.
func InitSlog(verbose bool) {
	InitSlogTo(os.Stderr, verbose)
}

func InitSlogTo(out io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// attrs turns params into slog attributes. Errors become "err", a string
// followed by another value is a key/value pair and anything else is
// positional.
func attrs(params []any) []any {
	out := make([]any, 0, len(params))
	for i := 0; i < len(params); i++ {
		switch p := params[i].(type) {
		case error:
			out = append(out, slog.Any("err", p))
		case string:
			if i+1 < len(params) {
				out = append(out, slog.Any(p, params[i+1]))
				i++
				continue
			}
			out = append(out, slog.String(fmt.Sprintf("params.%d", i), p))
		default:
			out = append(out, slog.Any(fmt.Sprintf("params.%d", i), p))
		}
	}
	return out
}

func (SlogAPI) ReportBroken(id string, params ...any) {
	slog.Error("broken", append([]any{"id", id}, attrs(params)...)...)
}

func (SlogAPI) ReportWarning(id string, params ...any) {
	slog.Warn("warning", append([]any{"id", id}, attrs(params)...)...)
}

func (SlogAPI) ReportInfo(msg string, params ...any) {
	slog.Info(msg, attrs(params)...)
}

func (SlogAPI) ReportDebug(msg string, params ...any) {
	slog.Debug(msg, attrs(params)...)
}

func (SlogAPI) ReportCount(id string, count int64) {
	slog.Info("count", "id", id, "n", count)
}
