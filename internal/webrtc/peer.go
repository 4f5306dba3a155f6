// Package webrtc implements the negotiation transport on top of pion.
package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"roomcall/internal/domain"
	"roomcall/internal/logging"
)

// DataChannelLabel is the label of the chat channel each peer opens.
const DataChannelLabel = "room"

// Config configures a Peer.
type Config struct {
	ICEServers []domain.ICEServer
	// MediaFile is an optional H264 Annex-B file sent as the video track.
	MediaFile string
	FPS       int
	// VideoOut receives remote H264 video as an Annex-B stream when set.
	VideoOut io.Writer
	// Configure adjusts the setting engine before the API is built.
	Configure func(*pion.SettingEngine)
}

// Peer wraps a pion PeerConnection and implements domain.Transport.
type Peer struct {
	pc       *pion.PeerConnection
	dc       *pion.DataChannel
	source   *h264Source
	videoOut io.Writer
	log      zerolog.Logger

	mu          sync.Mutex
	onCandidate func(domain.ICECandidatePayload)
	onTrack     func(domain.RemoteTrack)
	onMessage   func(string)

	connected     chan struct{}
	connectedOnce sync.Once
	closeOnce     sync.Once
	closeErr      error
}

var _ domain.Transport = (*Peer)(nil)

// NewPeer creates a PeerConnection with audio and video transceivers and the
// room data channel. When cfg.MediaFile is set it is opened here and a
// failure to open it is returned.
func NewPeer(cfg Config) (*Peer, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)
	if err := pion.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("configure rtcp reports: %w", err)
	}

	se := pion.SettingEngine{}
	se.LoggerFactory = logging.NewPionFactory()
	if cfg.Configure != nil {
		cfg.Configure(&se)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	var servers []pion.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	var source *h264Source
	if cfg.MediaFile != "" {
		source, err = openH264Source(cfg.MediaFile, cfg.FPS)
		if err != nil {
			return nil, err
		}
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		if source != nil {
			source.close()
		}
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:        pc,
		source:    source,
		videoOut:  cfg.VideoOut,
		log:       logging.Component("webrtc"),
		connected: make(chan struct{}),
	}

	if err := p.addTransceivers(); err != nil {
		_ = p.Close()
		return nil, err
	}

	dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	p.dc = dc
	p.watchDataChannel(dc)
	pc.OnDataChannel(func(remote *pion.DataChannel) {
		p.log.Info().Str("label", remote.Label()).Msg("remote data channel")
		p.watchDataChannel(remote)
	})

	pc.OnICECandidate(p.handleICECandidate)
	pc.OnTrack(p.handleTrack)

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Info().Str("state", state.String()).Msg("ICE connection state")
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Info().Str("state", state.String()).Msg("peer connection state")
		if state == pion.PeerConnectionStateConnected {
			p.connectedOnce.Do(func() {
				close(p.connected)
				if p.source != nil {
					go p.source.run(p.log)
				}
			})
		}
	})

	return p, nil
}

// addTransceivers adds audio and video sendrecv transceivers. The video
// transceiver carries the file track when one is configured.
func (p *Peer) addTransceivers() error {
	_, err := p.pc.AddTransceiverFromKind(pion.RTPCodecTypeAudio, pion.RTPTransceiverInit{
		Direction: pion.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("add audio transceiver: %w", err)
	}

	if p.source == nil {
		_, err = p.pc.AddTransceiverFromKind(pion.RTPCodecTypeVideo, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			return fmt.Errorf("add video transceiver: %w", err)
		}
		return nil
	}

	sender, err := p.pc.AddTrack(p.source.track)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	// RTCP has to be read for the interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *Peer) watchDataChannel(dc *pion.DataChannel) {
	dc.OnOpen(func() {
		p.log.Info().Str("label", dc.Label()).Msg("data channel opened")
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.log.Info().Str("label", dc.Label()).Str("message", string(msg.Data)).Msg("data channel message")
		p.mu.Lock()
		fn := p.onMessage
		p.mu.Unlock()
		if fn != nil && msg.IsString {
			fn(string(msg.Data))
		}
	})
	dc.OnClose(func() {
		p.log.Info().Str("label", dc.Label()).Msg("data channel closed")
	})
}

// OnLocalICECandidate registers the callback for locally gathered candidates.
// The end-of-gathering notification is not forwarded.
func (p *Peer) OnLocalICECandidate(fn func(domain.ICECandidatePayload)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// OnRemoteTrack registers the callback invoked when remote media starts.
func (p *Peer) OnRemoteTrack(fn func(domain.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// OnMessage registers the callback for text received on the room data channel.
func (p *Peer) OnMessage(fn func(string)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// SendText sends msg on the room data channel.
func (p *Peer) SendText(msg string) error {
	if p.dc == nil || p.dc.ReadyState() != pion.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	return p.dc.SendText(msg)
}

// Connected is closed the first time the peer connection reaches connected.
func (p *Peer) Connected() <-chan struct{} {
	return p.connected
}

// ConnectionState returns the aggregate peer connection state.
func (p *Peer) ConnectionState() string {
	return p.pc.ConnectionState().String()
}

func (p *Peer) handleICECandidate(c *pion.ICECandidate) {
	if c == nil {
		p.log.Debug().Msg("ICE gathering complete")
		return
	}

	init := c.ToJSON()
	p.log.Debug().Str("candidate", init.Candidate).Msg("local ICE candidate")

	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(domain.ICECandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	}
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	p.log.Info().
		Str("kind", track.Kind().String()).
		Str("codec", codec.MimeType).
		Uint8("pt", uint8(codec.PayloadType)).
		Msg("got track")

	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Codec:    codec.MimeType,
		})
	}

	if track.Kind() == pion.RTPCodecTypeVideo && codec.MimeType == pion.MimeTypeH264 && p.videoOut != nil {
		go p.readVideoTrack(track, p.videoOut)
		return
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

func (p *Peer) readVideoTrack(track *pion.TrackRemote, w io.Writer) {
	p.log.Info().Msg("reading H264 video track")

	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	depack := NewH264Depacketizer()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.log.Debug().Err(err).Msg("video track read ended")
			return
		}

		for _, nalu := range depack.Depacketize(pkt.SequenceNumber, pkt.Payload) {
			if len(nalu) == 0 {
				continue
			}
			if _, err := w.Write(startCode); err != nil {
				p.log.Warn().Err(err).Msg("write video")
				return
			}
			if _, err := w.Write(nalu); err != nil {
				p.log.Warn().Err(err).Msg("write video")
				return
			}
		}
	}
}

// CreateOffer creates an SDP offer without installing it.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	return domain.SDPPayload{Type: domain.SDPTypeOffer, SDP: offer.SDP}, nil
}

// CreateAnswer creates an SDP answer to the installed remote offer.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	return domain.SDPPayload{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (p *Peer) SetLocalDescription(desc domain.SDPPayload) error {
	sd, err := toPion(desc)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}
	p.log.Debug().Str("type", string(desc.Type)).Msg("local description set")
	return nil
}

func (p *Peer) SetRemoteDescription(desc domain.SDPPayload) error {
	sd, err := toPion(desc)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	p.log.Debug().Str("type", string(desc.Type)).Msg("remote description set")
	return nil
}

// AddICECandidate adds a remote candidate. It fails while no remote
// description is installed.
func (p *Peer) AddICECandidate(candidate domain.ICECandidatePayload) error {
	init := pion.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) SignalingState() domain.SignalingState {
	switch p.pc.SignalingState() {
	case pion.SignalingStateStable:
		return domain.SignalingStateStable
	case pion.SignalingStateHaveLocalOffer:
		return domain.SignalingStateHaveLocalOffer
	case pion.SignalingStateHaveRemoteOffer:
		return domain.SignalingStateHaveRemoteOffer
	case pion.SignalingStateHaveLocalPranswer:
		return domain.SignalingStateHaveLocalPranswer
	case pion.SignalingStateHaveRemotePranswer:
		return domain.SignalingStateHaveRemotePranswer
	default:
		return domain.SignalingStateClosed
	}
}

// Close stops the media source and shuts down the DataChannel and
// PeerConnection. Later calls return the first result.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		if p.source != nil {
			p.source.close()
		}
		if p.dc != nil {
			_ = p.dc.Close()
		}
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

func toPion(desc domain.SDPPayload) (pion.SessionDescription, error) {
	var t pion.SDPType
	switch desc.Type {
	case domain.SDPTypeOffer:
		t = pion.SDPTypeOffer
	case domain.SDPTypeAnswer:
		t = pion.SDPTypeAnswer
	case domain.SDPTypeRollback:
		t = pion.SDPTypeRollback
	default:
		return pion.SessionDescription{}, fmt.Errorf("unsupported description type %q", desc.Type)
	}
	return pion.SessionDescription{Type: t, SDP: desc.SDP}, nil
}
