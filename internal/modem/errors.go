package modem

import (
	"errors"
	"fmt"
)

// Failure classes reported by the receiver. Use errors.Is against these and
// errors.As against the structured types below for the details.
var (
	ErrSyncFailure        = errors.New("sync failure")
	ErrConvergenceFailure = errors.New("convergence failure")
	ErrShapeMismatch      = errors.New("shape mismatch")
)

// SyncError reports that the pilot sequence could not be located.
type SyncError struct {
	Stage      string
	Reason     string
	Offsets    int // candidate offsets examined
	BestMetric float64
	Threshold  float64
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s: %s (best metric %.3f, threshold %.3f, %d offsets tried)",
		e.Stage, e.Reason, e.BestMetric, e.Threshold, e.Offsets)
}

func (e *SyncError) Unwrap() error { return ErrSyncFailure }

// ConvergenceError reports a diverging adaptation stage.
type ConvergenceError struct {
	Stage     string
	Criterion Criterion
	Iteration int
	ErrPower  float64
	Mu        float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%s: %s diverged at iteration %d (error %.3g, mu %.3g)",
		e.Stage, e.Criterion, e.Iteration, e.ErrPower, e.Mu)
}

func (e *ConvergenceError) Unwrap() error { return ErrConvergenceFailure }

// ShapeError reports inconsistent mode counts, lengths or parameters.
type ShapeError struct {
	Stage string
	What  string
	Got   int
	Want  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: got %d, want %d", e.Stage, e.What, e.Got, e.Want)
}

func (e *ShapeError) Unwrap() error { return ErrShapeMismatch }
