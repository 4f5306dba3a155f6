package negotiator

import (
	"errors"

	"github.com/rs/zerolog"

	"roomcall/internal/domain"
)

// Reporter is the observability sink for errors a session recovers from or
// gives up on. It is called from the session goroutine.
type Reporter interface {
	Report(err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err error)

func (f ReporterFunc) Report(err error) { f(err) }

// Metrics receives negotiation counters. internal/metrics implements it.
type Metrics interface {
	SignalReceived(kind domain.Kind)
	SignalPublished(kind domain.Kind)
	GlareDetected()
	ErrorObserved(err error)
}

type nopMetrics struct{}

func (nopMetrics) SignalReceived(domain.Kind)  {}
func (nopMetrics) SignalPublished(domain.Kind) {}
func (nopMetrics) GlareDetected()              {}
func (nopMetrics) ErrorObserved(error)         {}

// LogReporter logs expected failures at warn and the rest at error.
type LogReporter struct {
	log zerolog.Logger
}

// NewLogReporter returns a reporter writing to l.
func NewLogReporter(l zerolog.Logger) *LogReporter {
	return &LogReporter{log: l}
}

func (r *LogReporter) Report(err error) {
	var (
		candidate *domain.CandidateError
		glare     *domain.GlareRecoveryFailure
	)
	switch {
	case errors.As(err, &candidate):
		// Candidates racing ahead of their description land here.
		r.log.Warn().Err(err).Msg("remote candidate not added")
	case errors.As(err, &glare) && glare.Recovered():
		r.log.Warn().Err(err).Msg("glare rollback failed, remote offer installed by fallback")
	default:
		r.log.Error().Err(err).Msg("negotiation error")
	}
}
