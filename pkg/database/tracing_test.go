package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return rec
}

func withSlowQueryLog(t *testing.T, threshold time.Duration) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetSlowQueryLogging(threshold, slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { SetSlowQueryLogging(0, nil) })
	return &buf
}

func TestTraceQuery_Span(t *testing.T) {
	rec := setupTestTracer(t)

	_, end := TraceQuery(context.Background(), "session_store.load", "SELECT key, value FROM session_store")
	end(nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "db.session_store.load", span.Name())
	assert.Equal(t, codes.Unset, span.Status().Code)

	attrs := map[string]string{}
	for _, a := range span.Attributes() {
		attrs[string(a.Key)] = a.Value.Emit()
	}
	assert.Equal(t, "postgresql", attrs["db.system"])
	assert.Equal(t, "session_store.load", attrs["db.operation"])
	assert.Equal(t, "SELECT key, value FROM session_store", attrs["db.statement"])
}

func TestTraceQuery_Error(t *testing.T) {
	rec := setupTestTracer(t)

	_, end := TraceQuery(context.Background(), "session_store.save", "INSERT")
	end(errors.New("connection refused"))

	span := rec.Ended()[0]
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.NotEmpty(t, span.Events())
}

func TestTraceQuery_ChildOfCaller(t *testing.T) {
	rec := setupTestTracer(t)

	ctx, parent := otel.Tracer("test").Start(context.Background(), "parent")
	_, end := TraceQuery(ctx, "session_store.clear", "DELETE")
	end(nil)
	parent.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, parent.SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestSlowQueryLogging(t *testing.T) {
	setupTestTracer(t)

	t.Run("slow query with error is logged", func(t *testing.T) {
		buf := withSlowQueryLog(t, time.Nanosecond)
		_, end := TraceQuery(context.Background(), "session_store.save", "INSERT INTO session_store")
		end(errors.New("deadlock detected"))

		out := buf.String()
		assert.Contains(t, out, "slow query detected")
		assert.Contains(t, out, "session_store.save")
		assert.Contains(t, out, "deadlock detected")
	})

	t.Run("fast query is not logged", func(t *testing.T) {
		buf := withSlowQueryLog(t, time.Hour)
		_, end := TraceQuery(context.Background(), "ping", "SELECT 1")
		end(nil)
		assert.Empty(t, buf.String())
	})

	t.Run("disabled", func(t *testing.T) {
		SetSlowQueryLogging(0, nil)
		_, end := TraceQuery(context.Background(), "ping", "SELECT 1")
		assert.NotPanics(t, func() { end(nil) })
	})
}

func TestSetSlowQueryLogging_Concurrent(t *testing.T) {
	t.Cleanup(func() { SetSlowQueryLogging(0, nil) })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			SetSlowQueryLogging(time.Duration(i)*time.Millisecond, slog.Default())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			getSlowQueryConfig()
		}
	}()
	wg.Wait()
}
