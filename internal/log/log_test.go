package log

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	require.Equal(t, LevelWarn, ParseLevel(" warning "))
	require.Equal(t, LevelError, ParseLevel("error"))
	require.Equal(t, LevelInfo, ParseLevel("verbose"))
	require.Equal(t, "UNKNOWN", Level(42).String())
}

func TestInitWriter_FormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf, LevelInfo)
	t.Cleanup(func() { defaultLogger = nil })

	Debug(CatRefresh, "hidden")
	Info(CatRefresh, "refreshed", "resolver", "fed", "entities", 3)
	ErrorErr(CatFetch, "fetch failed", errors.New("boom"), "orphan")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[INFO] [refresh] refreshed resolver=fed entities=3\n")
	require.Contains(t, out, "[ERROR] [fetch] fetch failed orphan=error boom=<missing>\n")

	buf.Reset()
	SetEnabled(false)
	Error(CatFetch, "muted")
	require.Empty(t, buf.String())
}

func TestSubscribe(t *testing.T) {
	defaultLogger = nil
	require.Nil(t, Subscribe(context.Background()))

	InitWriter(&bytes.Buffer{}, LevelDebug)
	t.Cleanup(func() { defaultLogger = nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Subscribe(ctx)
	Warn(CatServer, "streamed")

	select {
	case ev := <-ch:
		require.Contains(t, ev.Payload, "[WARN] [server] streamed")
	case <-time.After(time.Second):
		t.Fatal("no log event")
	}
}
