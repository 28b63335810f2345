package logger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/silverback-go/silverback/pkg/logger"
)

func BenchmarkRedactHandler(b *testing.B) {
	h := slog.NewJSONHandler(io.Discard, nil)
	r := logger.NewRedactHandler(h)
	l := slog.New(r)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.InfoContext(ctx, "envelope produced",
			"topic", "orders",
			"message_id", "12345",
			"x-encryption-key-id", "k1",
			"status", "success",
		)
	}
}

func BenchmarkRedactHandler_Clean(b *testing.B) {
	h := slog.NewJSONHandler(io.Discard, nil)
	r := logger.NewRedactHandler(h)
	l := slog.New(r)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.InfoContext(ctx, "envelope produced",
			"topic", "orders",
			"partition", 3,
			"offset", 42,
		)
	}
}
