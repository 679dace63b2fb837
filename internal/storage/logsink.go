package storage

import (
	"context"
	"time"

	"postpilot/pkg/logx"
)

// LogSink adapts the store to logx.Sink so WARN+ records land in the logs
// table for the history/diagnostics views. Rate limiting happens in logx;
// failures here are swallowed on purpose (a broken diagnostics sink must
// never take down logging).
type LogSink struct {
	store *Store
}

func NewLogSink(s *Store) *LogSink { return &LogSink{store: s} }

func (ls *LogSink) Emit(level logx.Level, msg string, fields map[string]string) {
	if ls == nil || ls.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ls.store.AppendLog(ctx, LogEntry{
		Level:   level.String(),
		Message: msg,
		At:      time.Now().UTC(),
		Fields:  fields,
	})
}
