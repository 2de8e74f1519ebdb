package bridge

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/dialoghealth/dialog/pkg/audio"
	"github.com/dialoghealth/dialog/pkg/audio/playback"
)

// errBackpressure is returned by the sink when the client's outbound queue
// is full.
var errBackpressure = errors.New("bridge: outbound queue full")

// clientSink is a [playback.Sink] that forwards scheduling decisions to the
// browser, which owns the loudspeaker.
type clientSink struct {
	channel string
	send    func(v any) bool
}

var _ playback.Sink = (*clientSink)(nil)

func (s *clientSink) Play(id uint64, buf audio.Buffer, at time.Duration) error {
	ok := s.send(PlayMessage{
		Type:       TypePlay,
		Channel:    s.channel,
		ID:         id,
		AtMillis:   at.Milliseconds(),
		SampleRate: buf.SampleRate,
		Data:       base64.StdEncoding.EncodeToString(buf.PCM),
	})
	if !ok {
		return errBackpressure
	}
	return nil
}

func (s *clientSink) Stop(id uint64) error {
	if !s.send(HaltMessage{Type: TypeHalt, Channel: s.channel, ID: id}) {
		return errBackpressure
	}
	return nil
}
