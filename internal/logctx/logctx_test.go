package logctx

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFromContext_DefaultsToSlogDefault(t *testing.T) {
	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
}

func TestWithLogger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	ctx := WithLogger(context.Background(), logger)

	assert.Same(t, logger, LoggerFromContext(ctx))
}

func TestWith_AccumulatesFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	ctx, _ = With(ctx, "request_id", "req-1")
	ctx, logger := With(ctx, "download_id", "dl-1")

	assert.Same(t, logger, LoggerFromContext(ctx))

	LoggerFromContext(ctx).Info("accepted")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "dl-1", entry["download_id"])
}

func TestWith_LeavesParentUntouched(t *testing.T) {
	var buf bytes.Buffer
	parent := WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	With(parent, "gid", "abc")

	LoggerFromContext(parent).Info("parent")

	assert.NotContains(t, decodeLine(t, &buf), "gid")
}
