package engine

import (
	"log/slog"

	"github.com/roach88/livedoc/internal/fault"
)

// Expected reports whether err is an outcome the caller plans for: no
// error, or a command that committed and now waits for input.
func Expected(err error) bool {
	return err == nil || fault.Is(err, fault.NotFinished)
}

// errorAttrs describes err for structured logs, with its code when it
// carries one.
func errorAttrs(err error) []any {
	attrs := []any{slog.Any("error", err)}
	if code := fault.CodeOf(err); code != 0 {
		attrs = append(attrs, slog.Int("code", int(code)))
	}
	return attrs
}
