package media

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/panjf2000/ants/v2"
)

const DefaultTolerance = 1.0

// InputReport holds per-chunk durations in segment order and their sum.
type InputReport struct {
	Durations []float64
	Total     float64
}

// Verifier checks that a merge neither dropped nor invented audio by
// comparing the merged duration with the sum of its inputs.
type Verifier struct {
	prober      Prober
	tolerance   float64
	parallelism int
	logger      logging.Logger
}

func NewVerifier(prober Prober, tolerance float64, parallelism int, logger logging.Logger) *Verifier {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	if parallelism < 1 {
		parallelism = 1
	}
	return &Verifier{
		prober:      prober,
		tolerance:   tolerance,
		parallelism: parallelism,
		logger:      logger,
	}
}

func (v *Verifier) Tolerance() float64 { return v.tolerance }

// MeasureInputs probes every segment. When several fail, the error of the
// lowest-indexed segment is returned so results are deterministic.
func (v *Verifier) MeasureInputs(ctx context.Context, segments []Segment) (InputReport, error) {
	durations := make([]float64, len(segments))
	errs := make([]error, len(segments))

	pool, err := ants.NewPool(v.parallelism)
	if err != nil {
		return InputReport{}, fmt.Errorf("failed to create probe worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, seg := range segments {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			durations[i], errs[i] = v.prober.Probe(ctx, seg.Blob)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			errs[i] = fmt.Errorf("failed to submit probe task: %w", err)
		}
	}
	wg.Wait()

	var report InputReport
	for i, err := range errs {
		if err != nil {
			v.logger.Warn("chunk probe failed", "chunk", segments[i].Index, "error", err)
			return InputReport{}, err
		}
		report.Total += durations[i]
	}
	report.Durations = durations
	return report, nil
}

// Check probes the merged output and accepts it iff its duration is within
// tolerance of expected. It returns the measured duration either way.
func (v *Verifier) Check(ctx context.Context, sessionKey string, expected float64, merged Blob) (float64, error) {
	actual, err := v.prober.Probe(ctx, merged)
	if err != nil {
		return 0, err
	}
	if math.Abs(expected-actual) > v.tolerance {
		v.logger.Warn("merged duration mismatch",
			"session_key", sessionKey,
			"expected", expected,
			"actual", actual,
			"tolerance", v.tolerance,
		)
		return actual, apperror.DurationMismatch(sessionKey, expected, actual)
	}
	return actual, nil
}

func (v *Verifier) Verify(ctx context.Context, sessionKey string, segments []Segment, merged Blob) (float64, error) {
	report, err := v.MeasureInputs(ctx, segments)
	if err != nil {
		return 0, err
	}
	return v.Check(ctx, sessionKey, report.Total, merged)
}
