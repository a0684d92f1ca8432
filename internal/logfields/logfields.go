package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyMirror   = "mirror"
	KeyProject  = "project"
	KeyBranch   = "branch"
	KeyPath     = "path"
	KeyURL      = "url"
	KeyName     = "name"
	KeyCount    = "count"
	KeyRunID    = "run_id"
	KeyPhase    = "phase"
	KeyCommand  = "command"
	KeyDuration = "duration_ms"
	KeyState    = "state"
	KeyError    = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Mirror(m string) slog.Attr       { return slog.String(KeyMirror, m) }
func Project(p string) slog.Attr      { return slog.String(KeyProject, p) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Name(n string) slog.Attr         { return slog.String(KeyName, n) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func Phase(p string) slog.Attr        { return slog.String(KeyPhase, p) }
func Command(c string) slog.Attr      { return slog.String(KeyCommand, c) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDuration, ms) }
func State(s string) slog.Attr        { return slog.String(KeyState, s) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
