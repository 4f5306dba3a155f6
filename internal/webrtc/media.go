package webrtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/rs/zerolog"
)

const defaultFPS = 30

// h264Source streams an H264 Annex-B file as a sample track, looping at EOF.
type h264Source struct {
	track    *pion.TrackLocalStaticSample
	file     *os.File
	reader   *h264reader.H264Reader
	frameDur time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func openH264Source(path string, fps int) (*h264Source, error) {
	if fps <= 0 {
		fps = defaultFPS
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open media file: %w", err)
	}
	reader, err := h264reader.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read media file %s: %w", path, err)
	}

	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeH264},
		"video",
		"roomcall",
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	return &h264Source{
		track:    track,
		file:     f,
		reader:   reader,
		frameDur: time.Second / time.Duration(fps),
		stop:     make(chan struct{}),
	}, nil
}

// run writes one frame per tick until close. Parameter sets and other
// non-slice NAL units are sent without waiting.
func (s *h264Source) run(l zerolog.Logger) {
	l.Info().Str("file", s.file.Name()).Dur("frame", s.frameDur).Msg("streaming media file")

	ticker := time.NewTicker(s.frameDur)
	defer ticker.Stop()

	read := false
	for {
		nal, err := s.reader.NextNAL()
		if errors.Is(err, io.EOF) {
			if !read {
				l.Error().Msg("media file has no NAL units")
				return
			}
			if err := s.rewind(); err != nil {
				l.Error().Err(err).Msg("rewind media file")
				return
			}
			read = false
			continue
		}
		if err != nil {
			select {
			case <-s.stop:
			default:
				l.Error().Err(err).Msg("read media file")
			}
			return
		}
		read = true

		if isSlice(nal.UnitType) {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
			}
		}

		if err := s.track.WriteSample(media.Sample{Data: nal.Data, Duration: s.frameDur}); err != nil {
			select {
			case <-s.stop:
			default:
				l.Warn().Err(err).Msg("write sample")
			}
			return
		}
	}
}

func (s *h264Source) rewind() error {
	select {
	case <-s.stop:
		return errors.New("source closed")
	default:
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, err := h264reader.NewReader(s.file)
	if err != nil {
		return err
	}
	s.reader = reader
	return nil
}

func (s *h264Source) close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.file.Close()
	})
}

func isSlice(t h264reader.NalUnitType) bool {
	return t == h264reader.NalUnitTypeCodedSliceNonIdr || t == h264reader.NalUnitTypeCodedSliceIdr
}
