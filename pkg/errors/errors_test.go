package errors

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorTypesUnwrapWithAs(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{
			name: "InvalidShapeError",
			err:  NewInvalidShapeError("data.NewContainer", "rna", "bad labels", []int{4, 3}, []int{2, 3}),
			check: func(err error) bool {
				var e *InvalidShapeError
				return As(err, &e) && e.View == "rna"
			},
		},
		{
			name: "ConfigMismatchError",
			err:  NewConfigMismatchError("num_factors", "must be at least 1", 0),
			check: func(err error) bool {
				var e *ConfigMismatchError
				return As(err, &e) && e.Field == "num_factors"
			},
		},
		{
			name: "NumericalDivergenceError",
			err:  NewNumericalDivergenceError("run-1", 12, -3.5),
			check: func(err error) bool {
				var e *NumericalDivergenceError
				return As(err, &e) && e.Iteration == 12
			},
		},
		{
			name: "NoFactorsRemainingError",
			err:  NewNoFactorsRemainingError(8, 0.5),
			check: func(err error) bool {
				var e *NoFactorsRemainingError
				return As(err, &e) && e.Threshold == 0.5
			},
		},
		{
			name: "CorruptArtifactError",
			err:  NewCorruptArtifactError("/tmp/m.mofa2", "bad magic"),
			check: func(err error) bool {
				var e *CorruptArtifactError
				return As(err, &e) && e.Reason == "bad magic"
			},
		},
		{
			name: "NotFoundError",
			err:  NewNotFoundError("view", "proteomics"),
			check: func(err error) bool {
				var e *NotFoundError
				return As(err, &e) && e.Kind == "view"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			require.NotEmpty(t, tt.err.Error())
			require.True(t, tt.check(tt.err), "As should find the concrete type through the stack wrapper")
			// Wrapping must not hide the concrete type.
			require.True(t, tt.check(Wrap(tt.err, "outer context")))
		})
	}
}

func TestWarnUsesInstalledHandler(t *testing.T) {
	var got error
	SetWarningHandler(func(w error) { got = w })
	defer SetWarningHandler(nil)

	w := NewConvergenceWarning("test", 10, "")
	Warn(w)
	require.Same(t, w, got)
}

func TestRecoverConvertsPanic(t *testing.T) {
	run := func() (err error) {
		defer Recover(&err, "errors.test")
		panic("boom")
	}
	err := run()
	require.Error(t, err)
	var pe *PanicError
	require.True(t, As(err, &pe))
}
