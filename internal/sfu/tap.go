package sfu

import (
	"fmt"

	"github.com/aura-webinar/sfu/internal/media"
)

// AttachRecordingSinks fans a copy of every live producer's RTP into the
// given sinks, by kind. Only producers live at attach time are tapped;
// recording is started after the room is on air. The returned release
// function detaches all taps.
func (c *Core) AttachRecordingSinks(roomID string, audio, video media.RTPSink) (func(), error) {
	lock := c.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, ok := c.room(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}

	type tapped struct {
		producer *media.Producer
		key      string
	}
	var taps []tapped

	c.mu.RLock()
	for streamID, p := range room.Producers {
		if p.Closed() {
			continue
		}
		var sink media.RTPSink
		switch p.Kind() {
		case "audio":
			sink = audio
		case "video":
			sink = video
		}
		if sink == nil {
			continue
		}
		key := fmt.Sprintf("rec_%s", streamID)
		p.AddSink(key, sink)
		taps = append(taps, tapped{producer: p, key: key})
	}
	c.mu.RUnlock()

	if len(taps) == 0 {
		return nil, ErrStreamNotFound
	}
	release := func() {
		for _, t := range taps {
			t.producer.RemoveSink(t.key)
		}
	}
	return release, nil
}
