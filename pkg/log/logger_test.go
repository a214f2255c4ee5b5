package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

func TestToLogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ToLogLevel("debug"))
	require.Equal(t, slog.LevelInfo, ToLogLevel("info"))
	require.Equal(t, slog.LevelWarn, ToLogLevel("warn"))
	require.Equal(t, slog.LevelError, ToLogLevel("error"))
	require.Panics(t, func() { ToLogLevel("trace") })
}

func TestErrFmtHandlerAddsStacktrace(t *testing.T) {
	var buf bytes.Buffer
	handler := WrapByErrFmtHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler)

	err := errors.NewNotFoundError("view", "proteomics")
	logger.Error("lookup failed", ErrAttr(err))

	out := buf.String()
	require.Contains(t, out, "lookup failed")
	require.Contains(t, out, StacktraceAttrKey)
}

func TestSetupWarningLoggerRoutesWarnings(t *testing.T) {
	var buf bytes.Buffer
	SetupWarningLogger(&buf)
	defer errors.SetZerologWarnFunc(nil)

	errors.Warn(errors.NewConvergenceWarning("variational inference", 100, ""))

	out := buf.String()
	require.True(t, strings.Contains(out, "ConvergenceWarning"), "expected structured warning fields, got %q", out)
	require.Contains(t, out, "variational inference")
}
