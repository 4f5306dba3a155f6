package webrtc_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v4/vnet"
	pion "github.com/pion/webrtc/v4"

	"roomcall/internal/domain"
	"roomcall/internal/logging"
	"roomcall/internal/negotiator"
	"roomcall/internal/relay"
	"roomcall/internal/webrtc"
)

func newVNetPeers(t *testing.T) (*webrtc.Peer, *webrtc.Peer) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewPionFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	var nets []*vnet.Net
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, n)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	var peers []*webrtc.Peer
	for _, n := range nets {
		p, err := webrtc.NewPeer(webrtc.Config{
			Configure: func(se *pion.SettingEngine) { se.SetNet(n) },
		})
		if err != nil {
			t.Fatalf("new peer: %v", err)
		}
		t.Cleanup(func() { _ = p.Close() })
		peers = append(peers, p)
	}
	return peers[0], peers[1]
}

func waitConnected(t *testing.T, p *webrtc.Peer) {
	t.Helper()
	select {
	case <-p.Connected():
	case <-time.After(20 * time.Second):
		t.Fatalf("peer not connected, state %s", p.ConnectionState())
	}
}

func waitState(t *testing.T, s *negotiator.Session, want domain.SignalingState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected state %s, got %s", want, s.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPeer_RollbackRestoresStable(t *testing.T) {
	a, _ := newVNetPeers(t)

	offer, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := a.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if got := a.SignalingState(); got != domain.SignalingStateHaveLocalOffer {
		t.Fatalf("expected have-local-offer, got %s", got)
	}

	if err := a.SetLocalDescription(domain.Rollback()); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := a.SignalingState(); got != domain.SignalingStateStable {
		t.Errorf("expected stable after rollback, got %s", got)
	}
}

func TestPeer_YieldsToRemoteOffer(t *testing.T) {
	a, b := newVNetPeers(t)

	offerA, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("create offer A: %v", err)
	}
	if err := a.SetLocalDescription(offerA); err != nil {
		t.Fatalf("set local offer A: %v", err)
	}
	offerB, err := b.CreateOffer()
	if err != nil {
		t.Fatalf("create offer B: %v", err)
	}
	if err := b.SetLocalDescription(offerB); err != nil {
		t.Fatalf("set local offer B: %v", err)
	}

	// A yields: drop its offer, take B's and answer.
	if err := a.SetLocalDescription(domain.Rollback()); err != nil {
		t.Fatalf("rollback A: %v", err)
	}
	if err := a.SetRemoteDescription(offerB); err != nil {
		t.Fatalf("set remote offer on A: %v", err)
	}
	answer, err := a.CreateAnswer()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := a.SetLocalDescription(answer); err != nil {
		t.Fatalf("set local answer: %v", err)
	}
	if err := b.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote answer on B: %v", err)
	}

	if got := a.SignalingState(); got != domain.SignalingStateStable {
		t.Errorf("A: expected stable, got %s", got)
	}
	if got := b.SignalingState(); got != domain.SignalingStateStable {
		t.Errorf("B: expected stable, got %s", got)
	}
}

func TestPeer_CandidateBeforeRemoteDescriptionFails(t *testing.T) {
	a, _ := newVNetPeers(t)

	mid := "0"
	var idx uint16
	err := a.AddICECandidate(domain.ICECandidatePayload{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.2 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	if err == nil {
		t.Fatal("expected error without remote description")
	}
}

func TestPeer_MissingMediaFile(t *testing.T) {
	_, err := webrtc.NewPeer(webrtc.Config{
		MediaFile: filepath.Join(t.TempDir(), "missing.h264"),
	})
	if err == nil {
		t.Fatal("expected error for missing media file")
	}
}

func TestPeer_CloseIsIdempotent(t *testing.T) {
	a, _ := newVNetPeers(t)

	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := a.SignalingState(); got != domain.SignalingStateClosed {
		t.Errorf("expected closed, got %s", got)
	}
}

func TestNegotiation_ConnectsOverRelay(t *testing.T) {
	a, b := newVNetPeers(t)
	broker := relay.NewBroker(nil)
	defer broker.Close()

	sessA, err := negotiator.New(negotiator.Options{LocalID: "a", Room: "r1", Transport: a, Channel: broker})
	if err != nil {
		t.Fatalf("session A: %v", err)
	}
	defer sessA.Teardown()
	sessB, err := negotiator.New(negotiator.Options{LocalID: "b", Room: "r1", Transport: b, Channel: broker})
	if err != nil {
		t.Fatalf("session B: %v", err)
	}
	defer sessB.Teardown()

	received := make(chan string, 1)
	b.OnMessage(func(msg string) {
		select {
		case received <- msg:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sessA.InitiateCall(ctx); err != nil {
		t.Fatalf("initiate call: %v", err)
	}

	waitConnected(t, a)
	waitConnected(t, b)
	waitState(t, sessA, domain.SignalingStateStable)
	waitState(t, sessB, domain.SignalingStateStable)

	deadline := time.Now().Add(10 * time.Second)
	for a.SendText("hello") != nil {
		if time.Now().After(deadline) {
			t.Fatal("data channel never opened")
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case msg := <-received:
		if msg != "hello" {
			t.Errorf("expected hello, got %q", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("message not received")
	}

	sessA.Teardown()
	if got := sessA.State(); got != domain.SignalingStateClosed {
		t.Errorf("expected closed after teardown, got %s", got)
	}
}

// heldChannel is a broker whose deliveries wait until held is closed.
type heldChannel struct {
	*relay.Broker
	held chan struct{}
}

func (c heldChannel) Subscribe(room domain.RoomID, fn func(domain.Signal)) (domain.Subscription, error) {
	return c.Broker.Subscribe(room, func(sig domain.Signal) {
		<-c.held
		fn(sig)
	})
}

func TestNegotiation_GlareOverRelay(t *testing.T) {
	a, b := newVNetPeers(t)
	broker := relay.NewBroker(nil)
	defer broker.Close()

	var (
		mu      sync.Mutex
		answers = make(map[domain.ParticipantID]int)
	)
	countAnswers := func() (int, int) {
		mu.Lock()
		defer mu.Unlock()
		return answers["a"], answers["b"]
	}
	if _, err := broker.Subscribe("r1", func(sig domain.Signal) {
		if sig.Kind == domain.KindAnswer {
			mu.Lock()
			answers[sig.Sender]++
			mu.Unlock()
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ch := heldChannel{Broker: broker, held: make(chan struct{})}
	sessA, err := negotiator.New(negotiator.Options{LocalID: "a", Room: "r1", Transport: a, Channel: ch})
	if err != nil {
		t.Fatalf("session A: %v", err)
	}
	defer sessA.Teardown()
	sessB, err := negotiator.New(negotiator.Options{LocalID: "b", Room: "r1", Transport: b, Channel: ch})
	if err != nil {
		t.Fatalf("session B: %v", err)
	}
	defer sessB.Teardown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sessA.InitiateCall(ctx); err != nil {
		t.Fatalf("A initiate call: %v", err)
	}
	if err := sessB.InitiateCall(ctx); err != nil {
		t.Fatalf("B initiate call: %v", err)
	}
	if got := a.SignalingState(); got != domain.SignalingStateHaveLocalOffer {
		t.Fatalf("A: expected have-local-offer, got %s", got)
	}
	if got := b.SignalingState(); got != domain.SignalingStateHaveLocalOffer {
		t.Fatalf("B: expected have-local-offer, got %s", got)
	}
	close(ch.held)

	deadline := time.Now().Add(5 * time.Second)
	for {
		fromA, fromB := countAnswers()
		if fromA == 1 && fromB == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one answer each, got a=%d b=%d", fromA, fromB)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitState(t, sessA, domain.SignalingStateStable)
	waitState(t, sessB, domain.SignalingStateStable)

	// The crossing answers land in stable and must not produce more signals.
	time.Sleep(200 * time.Millisecond)
	if fromA, fromB := countAnswers(); fromA != 1 || fromB != 1 {
		t.Errorf("expected exactly one answer each, got a=%d b=%d", fromA, fromB)
	}
	if got := sessA.State(); got != domain.SignalingStateStable {
		t.Errorf("A: expected stable, got %s", got)
	}
	if got := sessB.State(); got != domain.SignalingStateStable {
		t.Errorf("B: expected stable, got %s", got)
	}
}
