// Package negotiator runs the offer/answer/ICE exchange for one participant
// in one room, including recovery when both sides offer at once.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"roomcall/internal/domain"
	"roomcall/internal/logging"
)

const defaultQueueSize = 64

// Options configures a Session.
type Options struct {
	// LocalID is generated when empty.
	LocalID   domain.ParticipantID
	Room      domain.RoomID
	Transport domain.Transport
	Channel   domain.Channel

	// Reporter defaults to logging through zerolog.
	Reporter Reporter
	Metrics  Metrics
	// OnRemoteTrack is forwarded to the transport when set.
	OnRemoteTrack func(domain.RemoteTrack)
	QueueSize     int
}

// Session is the negotiation state machine for one participant in one room.
// It exclusively owns its transport and channel subscription. All signaling
// mutations run on a single goroutine in submission order.
type Session struct {
	localID   domain.ParticipantID
	room      domain.RoomID
	transport domain.Transport
	channel   domain.Channel
	reporter  Reporter
	metrics   Metrics
	log       zerolog.Logger

	sub domain.Subscription
	ops chan op

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type op struct {
	run    func() error
	result chan error
}

// New starts a session: it subscribes to the room and begins processing.
// A subscription failure is fatal and releases the transport.
func New(opts Options) (*Session, error) {
	if opts.Transport == nil {
		return nil, errors.New("negotiator: transport is required")
	}
	if opts.Channel == nil {
		return nil, errors.New("negotiator: channel is required")
	}
	if opts.Room == "" {
		return nil, errors.New("negotiator: room is required")
	}

	localID := opts.LocalID
	if localID == "" {
		localID = domain.NewParticipantID()
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		localID:   localID,
		room:      opts.Room,
		transport: opts.Transport,
		channel:   opts.Channel,
		reporter:  opts.Reporter,
		metrics:   opts.Metrics,
		log: logging.Component("negotiator").With().
			Str("room", opts.Room.String()).
			Str("local_id", localID.String()).
			Logger(),
		ops:     make(chan op, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if s.reporter == nil {
		s.reporter = NewLogReporter(s.log)
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}

	s.transport.OnLocalICECandidate(s.OnLocalICECandidate)
	if opts.OnRemoteTrack != nil {
		s.transport.OnRemoteTrack(opts.OnRemoteTrack)
	}

	sub, err := s.channel.Subscribe(s.room, s.OnInboundSignal)
	if err != nil {
		cancel()
		close(s.closing)
		close(s.done)
		if cerr := s.transport.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("close transport after failed subscribe")
		}
		return nil, fmt.Errorf("subscribe to room %s: %w", s.room, err)
	}
	s.sub = sub

	go s.loop()

	s.log.Info().Msg("session started")
	return s, nil
}

// LocalID returns the participant id used to attribute and filter signals.
func (s *Session) LocalID() domain.ParticipantID { return s.localID }

// Room returns the room the session negotiates in.
func (s *Session) Room() domain.RoomID { return s.room }

// State returns the transport's signaling state, or closed after Teardown.
func (s *Session) State() domain.SignalingState {
	if s.isClosed() {
		return domain.SignalingStateClosed
	}
	return s.transport.SignalingState()
}

// Closed is closed once the processing loop has exited.
func (s *Session) Closed() <-chan struct{} { return s.done }

// InitiateCall creates a local offer, installs it and publishes it.
// Nothing is published unless the local description was installed. A ctx
// that is done before the operation starts leaves the transport untouched;
// once the offer is installed it is published regardless of ctx.
func (s *Session) InitiateCall(ctx context.Context) error {
	return s.do(ctx, func() error {
		return s.offer(ctx)
	})
}

// OnInboundSignal queues a signal delivered by the channel. Our own signals
// are dropped here without any side effect.
func (s *Session) OnInboundSignal(sig domain.Signal) {
	if sig.Sender == s.localID {
		return
	}
	s.submit(op{run: func() error {
		return s.handle(s.ctx, sig)
	}})
}

// HandleSignal is OnInboundSignal that waits for the outcome. Errors are
// typed (TransportRejection, CandidateError, GlareRecoveryFailure,
// ChannelPublishFailure) and have already been reported when returned.
// ctx has the same meaning as for InitiateCall.
func (s *Session) HandleSignal(ctx context.Context, sig domain.Signal) error {
	if sig.Sender == s.localID {
		return nil
	}
	return s.do(ctx, func() error {
		return s.handle(ctx, sig)
	})
}

// OnLocalICECandidate publishes a candidate gathered by the transport.
// It goes through the session queue so it never overtakes the description
// whose installation triggered the gathering.
func (s *Session) OnLocalICECandidate(c domain.ICECandidatePayload) {
	s.submit(op{run: func() error {
		return s.publish(s.ctx, domain.NewCandidate(s.room, s.localID, c))
	}})
}

// Teardown unsubscribes from the room and closes the transport. It is
// idempotent and safe to call while an operation is in flight; that
// operation's remaining effects are dropped.
func (s *Session) Teardown() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.cancel()
		s.sub.Unsubscribe()
		if err := s.transport.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close transport")
		}
		s.log.Info().Msg("session torn down")
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Session) submit(o op) bool {
	if s.isClosed() {
		return false
	}
	select {
	case s.ops <- o:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Session) do(ctx context.Context, run func() error) error {
	o := op{run: run, result: make(chan error, 1)}
	if !s.submit(o) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-o.result:
		return err
	case <-s.done:
		select {
		case err := <-o.result:
			return err
		default:
			return domain.ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.closing:
			return
		case o := <-s.ops:
			err := o.run()
			if err != nil && s.isClosed() {
				err = domain.ErrSessionClosed
			}
			if err != nil && !quiet(err) {
				s.report(err)
			}
			if o.result != nil {
				o.result <- err
			}
		}
	}
}

// quiet reports whether err needs no reporting. Bare context errors only
// come from operations that gave up before touching the transport.
func quiet(err error) bool {
	var publish *domain.ChannelPublishFailure
	if errors.As(err, &publish) {
		return false
	}
	return errors.Is(err, domain.ErrSessionClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Session) report(err error) {
	s.metrics.ErrorObserved(err)
	s.reporter.Report(err)
}

func (s *Session) offer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return domain.ErrSessionClosed
	}

	offer, err := s.transport.CreateOffer()
	if err != nil {
		return &domain.TransportRejection{Op: "create offer", Err: err}
	}
	if err := s.transport.SetLocalDescription(offer); err != nil {
		return &domain.TransportRejection{Op: "set local offer", Err: err}
	}

	s.log.Info().Msg("local offer installed")
	// The offer is installed; it has to go out even if ctx is done by now.
	return s.publish(s.ctx, domain.NewOffer(s.room, s.localID, offer.SDP))
}

func (s *Session) handle(ctx context.Context, sig domain.Signal) error {
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if sig.Room != s.room {
		return fmt.Errorf("%w: got %q", domain.ErrWrongRoom, sig.Room)
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	s.metrics.SignalReceived(sig.Kind)

	s.log.Debug().
		Str("sender", sig.Sender.String()).
		Str("kind", string(sig.Kind)).
		Str("state", s.transport.SignalingState().String()).
		Msg("inbound signal")

	switch sig.Kind {
	case domain.KindOffer:
		return s.acceptOffer(*sig.SDP)

	case domain.KindAnswer:
		if err := s.transport.SetRemoteDescription(*sig.SDP); err != nil {
			return &domain.TransportRejection{Op: "set remote answer", Err: err}
		}
		s.log.Info().Str("sender", sig.Sender.String()).Msg("remote answer installed")
		return nil

	case domain.KindCandidate:
		if err := s.transport.AddICECandidate(*sig.Candidate); err != nil {
			return &domain.CandidateError{Candidate: sig.Candidate.Candidate, Err: err}
		}
		return nil
	}
	return nil
}

func (s *Session) acceptOffer(offer domain.SDPPayload) error {
	if state := s.transport.SignalingState(); state != domain.SignalingStateStable {
		s.metrics.GlareDetected()
		s.log.Info().Str("state", state.String()).Msg("offer collision, yielding to remote offer")
		if err := s.yieldToRemoteOffer(offer); err != nil {
			return err
		}
	} else if err := s.transport.SetRemoteDescription(offer); err != nil {
		return &domain.TransportRejection{Op: "set remote offer", Err: err}
	}

	answer, err := s.transport.CreateAnswer()
	if err != nil {
		return &domain.TransportRejection{Op: "create answer", Err: err}
	}
	if err := s.transport.SetLocalDescription(answer); err != nil {
		return &domain.TransportRejection{Op: "set local answer", Err: err}
	}

	s.log.Info().Msg("local answer installed")
	return s.publish(s.ctx, domain.NewAnswer(s.room, s.localID, answer.SDP))
}

// yieldToRemoteOffer discards our pending offer and installs the remote one.
// When that combined step fails and the remote offer is still not
// installed, installing it on its own is tried once more. Only a failed
// fallback is returned; a recovered failure is reported and negotiation
// continues.
func (s *Session) yieldToRemoteOffer(offer domain.SDPPayload) error {
	rollbackErr := s.transport.SetLocalDescription(domain.Rollback())
	installErr := s.transport.SetRemoteDescription(offer)
	if rollbackErr == nil && installErr == nil {
		return nil
	}

	failure := &domain.GlareRecoveryFailure{RollbackErr: rollbackErr, InstallErr: installErr}
	if installErr != nil {
		failure.FallbackErr = s.transport.SetRemoteDescription(offer)
	}
	if !failure.Recovered() {
		return failure
	}
	s.report(failure)
	return nil
}

func (s *Session) publish(ctx context.Context, sig domain.Signal) error {
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	if err := s.channel.Publish(ctx, sig); err != nil {
		return &domain.ChannelPublishFailure{Kind: sig.Kind, Err: err}
	}
	s.metrics.SignalPublished(sig.Kind)
	return nil
}
