package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", Kind(ctx))

	ctx = WithNodeID(ctx, "node-1")
	ctx = WithRunID(ctx, "run-9")
	ctx = WithKind(ctx, "research")

	assert.Equal(t, "node-1", NodeID(ctx))
	assert.Equal(t, "run-9", RunID(ctx))
	assert.Equal(t, "research", Kind(ctx))
}

func TestWithRun(t *testing.T) {
	ctx := WithRun(context.Background(), "n", "r", "llm")
	assert.Equal(t, "n", NodeID(ctx))
	assert.Equal(t, "r", RunID(ctx))
	assert.Equal(t, "llm", Kind(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithRun(context.Background(), "node-a", "run-b", "image-gen")
	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "node_id=node-a")
	assert.Contains(t, out, "run_id=run-b")
	assert.Contains(t, out, "kind=image-gen")
	assert.Contains(t, out, "test message")
}

func TestLogWithPartialContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(WithNodeID(context.Background(), "only"), logger).Info("partial")

	out := buf.String()
	assert.Contains(t, out, "node_id=only")
	assert.NotContains(t, out, "run_id")
	assert.NotContains(t, out, "kind=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(WithRun(context.Background(), "n1", "r1", "research"), "auto inject")

	out := buf.String()
	assert.Contains(t, out, `"node_id":"n1"`)
	assert.Contains(t, out, `"run_id":"r1"`)
	assert.Contains(t, out, `"kind":"research"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	out := buf.String()
	assert.NotContains(t, out, "node_id")
	assert.NotContains(t, out, "run_id")
	assert.Contains(t, out, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithNodeID(context.Background(), "n-attr"), "with attrs")
	assert.Contains(t, buf.String(), `"node_id":"n-attr"`)
	assert.Contains(t, buf.String(), `"component":"engine"`)

	buf.Reset()
	slog.New(handler.WithGroup("grp")).InfoContext(WithNodeID(context.Background(), "n-grp"), "grouped")
	assert.Contains(t, buf.String(), "n-grp")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
