package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"roomcall/internal/domain"
)

// fakeTransport enforces the signaling state transitions of a pion peer
// connection and records every call. With implicitRollback set it behaves
// like a browser instead and accepts a remote offer while holding a local
// one.
type fakeTransport struct {
	name string

	mu          sync.Mutex
	state       domain.SignalingState
	hasRemote   bool
	calls       []string
	failures    map[string][]error
	hooks       map[string]func()
	closes      int
	candidates  []domain.ICECandidatePayload
	onCandidate func(domain.ICECandidatePayload)

	implicitRollback bool
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{
		name:     name,
		state:    domain.SignalingStateStable,
		failures: make(map[string][]error),
		hooks:    make(map[string]func()),
	}
}

// failNext makes the next len(errs) calls of op fail without changing state.
func (f *fakeTransport) failNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

func (f *fakeTransport) rollBackImplicitly() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.implicitRollback = true
}

// onCall runs fn before op is applied.
func (f *fakeTransport) onCall(op string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[op] = fn
}

// gather makes every successful local description emit c.
func (f *fakeTransport) gather(c domain.ICECandidatePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// begin runs the hook for op, then records the call and returns with f.mu
// held. The returned error is an injected failure, if any.
func (f *fakeTransport) begin(op string) error {
	f.mu.Lock()
	hook := f.hooks[op]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	f.calls = append(f.calls, op)
	if errs := f.failures[op]; len(errs) > 0 {
		f.failures[op] = errs[1:]
		return errs[0]
	}
	if f.state == domain.SignalingStateClosed {
		return errors.New("transport closed")
	}
	return nil
}

func (f *fakeTransport) CreateOffer() (domain.SDPPayload, error) {
	err := f.begin("create-offer")
	defer f.mu.Unlock()
	if err != nil {
		return domain.SDPPayload{}, err
	}
	return domain.SDPPayload{Type: domain.SDPTypeOffer, SDP: "a=offer-from-" + f.name}, nil
}

func (f *fakeTransport) CreateAnswer() (domain.SDPPayload, error) {
	err := f.begin("create-answer")
	defer f.mu.Unlock()
	if err != nil {
		return domain.SDPPayload{}, err
	}
	if f.state != domain.SignalingStateHaveRemoteOffer {
		return domain.SDPPayload{}, fmt.Errorf("create answer in %s", f.state)
	}
	return domain.SDPPayload{Type: domain.SDPTypeAnswer, SDP: "a=answer-from-" + f.name}, nil
}

func (f *fakeTransport) SetLocalDescription(desc domain.SDPPayload) error {
	op := "set-local-" + string(desc.Type)
	if desc.Type == domain.SDPTypeRollback {
		op = "rollback"
	}

	err := f.begin(op)
	if err == nil {
		err = f.applyLocal(desc.Type)
	}
	var emit []domain.ICECandidatePayload
	fn := f.onCandidate
	if err == nil && desc.Type != domain.SDPTypeRollback {
		emit = append(emit, f.candidates...)
	}
	f.mu.Unlock()

	if fn != nil {
		for _, c := range emit {
			fn(c)
		}
	}
	return err
}

func (f *fakeTransport) applyLocal(t domain.SDPType) error {
	switch {
	case t == domain.SDPTypeOffer && f.state == domain.SignalingStateStable:
		f.state = domain.SignalingStateHaveLocalOffer
	case t == domain.SDPTypeAnswer && f.state == domain.SignalingStateHaveRemoteOffer:
		f.state = domain.SignalingStateStable
	case t == domain.SDPTypeRollback && f.state == domain.SignalingStateHaveLocalOffer:
		f.state = domain.SignalingStateStable
	default:
		return fmt.Errorf("set local %s in %s", t, f.state)
	}
	return nil
}

func (f *fakeTransport) SetRemoteDescription(desc domain.SDPPayload) error {
	err := f.begin("set-remote-" + string(desc.Type))
	defer f.mu.Unlock()
	if err != nil {
		return err
	}

	switch {
	case desc.Type == domain.SDPTypeOffer && f.state == domain.SignalingStateStable,
		desc.Type == domain.SDPTypeOffer && f.state == domain.SignalingStateHaveLocalOffer && f.implicitRollback:
		f.state = domain.SignalingStateHaveRemoteOffer
	case desc.Type == domain.SDPTypeAnswer && f.state == domain.SignalingStateHaveLocalOffer:
		f.state = domain.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in %s", desc.Type, f.state)
	}
	f.hasRemote = true
	return nil
}

func (f *fakeTransport) AddICECandidate(c domain.ICECandidatePayload) error {
	err := f.begin("add-candidate")
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	if !f.hasRemote {
		return errors.New("no remote description")
	}
	if c.Candidate == "" {
		return errors.New("malformed candidate")
	}
	return nil
}

func (f *fakeTransport) SignalingState() domain.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnLocalICECandidate(fn func(domain.ICECandidatePayload)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) OnRemoteTrack(func(domain.RemoteTrack)) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.state = domain.SignalingStateClosed
	return nil
}

// tapChannel records what a session publishes before handing it on.
// Deliveries can be held back until release is called.
type tapChannel struct {
	inner domain.Channel

	mu           sync.Mutex
	published    []domain.Signal
	publishErr   error
	subscribeErr error
	held         chan struct{}
}

func newTapChannel(inner domain.Channel) *tapChannel {
	return &tapChannel{inner: inner}
}

// hold delays every delivery until release. It must be called before the
// session subscribes.
func (c *tapChannel) hold() {
	c.held = make(chan struct{})
}

func (c *tapChannel) release() {
	close(c.held)
}

func (c *tapChannel) Publish(ctx context.Context, sig domain.Signal) error {
	c.mu.Lock()
	err := c.publishErr
	if err == nil {
		c.published = append(c.published, sig)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.inner.Publish(ctx, sig)
}

func (c *tapChannel) Subscribe(room domain.RoomID, fn func(domain.Signal)) (domain.Subscription, error) {
	if c.subscribeErr != nil {
		return nil, c.subscribeErr
	}
	held := c.held
	return c.inner.Subscribe(room, func(sig domain.Signal) {
		if held != nil {
			<-held
		}
		fn(sig)
	})
}

func (c *tapChannel) Published() []domain.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Signal(nil), c.published...)
}

func (c *tapChannel) Kinds() []domain.Kind {
	var kinds []domain.Kind
	for _, sig := range c.Published() {
		kinds = append(kinds, sig.Kind)
	}
	return kinds
}

func (c *tapChannel) Count(kind domain.Kind) int {
	n := 0
	for _, sig := range c.Published() {
		if sig.Kind == kind {
			n++
		}
	}
	return n
}

// errorLog is a Reporter that keeps everything it is given.
type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) Report(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) All() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

type countingMetrics struct {
	mu        sync.Mutex
	received  map[domain.Kind]int
	published map[domain.Kind]int
	glare     int
	errors    int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		received:  make(map[domain.Kind]int),
		published: make(map[domain.Kind]int),
	}
}

func (m *countingMetrics) SignalReceived(k domain.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[k]++
}

func (m *countingMetrics) SignalPublished(k domain.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[k]++
}

func (m *countingMetrics) GlareDetected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.glare++
}

func (m *countingMetrics) Glare() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.glare
}

func (m *countingMetrics) ErrorObserved(error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
