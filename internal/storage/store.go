// Package storage persists simulation reports.
package storage

import (
	"context"
	"time"

	"github.com/jeongseonghan/pilotrx/internal/sim"
)

// Store keeps simulation reports by id.
type Store interface {
	Init(ctx context.Context) error
	SaveReport(ctx context.Context, report *sim.Report) error
	GetReport(ctx context.Context, id string) (*sim.Report, bool, error)
	// ListReports returns the newest reports first; limit <= 0 means all.
	ListReports(ctx context.Context, limit int) ([]Summary, error)
}

// Summary is the listing view of a stored report.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	SNR       float64   `json:"snr_db"`
	M         int       `json:"m"`
	BER       float64   `json:"ber"`
	GMI       float64   `json:"gmi"`
}

func summarize(r *sim.Report) Summary {
	return Summary{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		SNR:       r.Config.SNR,
		M:         r.Config.M,
		BER:       r.MeanBER(),
		GMI:       r.MeanGMI(),
	}
}
