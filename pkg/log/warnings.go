package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

// SetupWarningLogger routes library warnings (ConvergenceWarning and
// friends) into a zerolog logger writing to w, replacing the plain
// default handler. Warnings that implement zerolog.LogObjectMarshaler
// contribute their structured fields to the event. Pass nil to write to
// stderr.
func SetupWarningLogger(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	logger := zerolog.New(w).With().Timestamp().Logger()
	errors.SetZerologWarnFunc(func(warning error) {
		ev := logger.Warn()
		if obj, ok := warning.(zerolog.LogObjectMarshaler); ok {
			ev = ev.EmbedObject(obj)
		}
		ev.Msg(warning.Error())
	})
}
