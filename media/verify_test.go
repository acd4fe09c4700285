package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProber struct {
	durations map[string]float64
	delays    map[string]time.Duration
}

func (p stubProber) Probe(ctx context.Context, blob Blob) (float64, error) {
	if d, ok := p.delays[blob.Name()]; ok {
		time.Sleep(d)
	}
	d, ok := p.durations[blob.Name()]
	if !ok {
		return 0, apperror.UnreadableMedia(blob.Name(), errors.New("stub"))
	}
	return d, nil
}

func TestMeasureInputs(t *testing.T) {
	v := NewVerifier(NewSniffingProber(nil), DefaultTolerance, 2, logging.NewNopLogger())

	report, err := v.MeasureInputs(context.Background(), []Segment{
		{Index: 0, Blob: BytesBlob("a", wavBytes(t, 2))},
		{Index: 1, Blob: BytesBlob("b", wavBytes(t, 1.5))},
		{Index: 2, Blob: BytesBlob("c", wavBytes(t, 2.5))},
	})
	require.NoError(t, err)
	assert.InDelta(t, 6.0, report.Total, 1e-9)
	require.Len(t, report.Durations, 3)
	assert.InDelta(t, 1.5, report.Durations[1], 1e-9)
}

func TestMeasureInputsReportsLowestFailure(t *testing.T) {
	prober := stubProber{
		durations: map[string]float64{"a": 1},
		// the higher index fails first in wall-clock time
		delays: map[string]time.Duration{"b": 30 * time.Millisecond},
	}
	v := NewVerifier(prober, DefaultTolerance, 4, logging.NewNopLogger())

	_, err := v.MeasureInputs(context.Background(), []Segment{
		{Index: 0, Blob: BytesBlob("a", nil)},
		{Index: 1, Blob: BytesBlob("b", nil)},
		{Index: 2, Blob: BytesBlob("c", nil)},
	})
	require.ErrorIs(t, err, apperror.ErrUnreadableMedia)
	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "b", appErr.Message)
}

func TestCheckTolerance(t *testing.T) {
	ctx := context.Background()
	v := NewVerifier(NewSniffingProber(nil), 1.0, 1, logging.NewNopLogger())
	merged := BytesBlob("merged", wavBytes(t, 6))

	actual, err := v.Check(ctx, "abc", 6.0, merged)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, actual, 1e-9)

	_, err = v.Check(ctx, "abc", 6.9, merged)
	assert.NoError(t, err)

	actual, err = v.Check(ctx, "abc", 8.0, merged)
	require.ErrorIs(t, err, apperror.ErrDurationMismatch)
	assert.InDelta(t, 6.0, actual, 1e-9)

	var appErr *apperror.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 8.0, appErr.Expected)
	assert.InDelta(t, 6.0, appErr.Actual, 1e-9)
	assert.Equal(t, "abc", appErr.SessionKey)
}

func TestVerify(t *testing.T) {
	v := NewVerifier(NewSniffingProber(nil), 0.01, 3, logging.NewNopLogger())
	segments := []Segment{
		{Index: 0, Blob: BytesBlob("a", wavBytes(t, 1))},
		{Index: 1, Blob: BytesBlob("b", wavBytes(t, 1))},
	}

	d, err := v.Verify(context.Background(), "abc", segments, BytesBlob("m", wavBytes(t, 2)))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, d, 1e-9)

	_, err = v.Verify(context.Background(), "abc", segments, BytesBlob("m", wavBytes(t, 1)))
	assert.ErrorIs(t, err, apperror.ErrDurationMismatch)
}
