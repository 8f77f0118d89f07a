package sfu

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MarkSpeaking records that the peer is speaking now.
func (c *Core) MarkSpeaking(roomID, peerID string) error {
	if roomID == "" || peerID == "" {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	table, ok := c.speakers[roomID]
	if !ok {
		table = make(map[string]time.Time)
		c.speakers[roomID] = table
	}
	table[peerID] = nowUTC()
	c.mu.Unlock()

	c.publish(roomID, "speaker-started", map[string]string{"peer_id": peerID})
	return nil
}

// MarkStopSpeaking removes the peer from the speaker table.
func (c *Core) MarkStopSpeaking(roomID, peerID string) error {
	if roomID == "" || peerID == "" {
		return ErrInvalidArgument
	}
	c.mu.Lock()
	if table, ok := c.speakers[roomID]; ok {
		delete(table, peerID)
	}
	c.mu.Unlock()

	c.publish(roomID, "speaker-stopped", map[string]string{"peer_id": peerID})
	return nil
}

// ActiveSpeakers lists the peers that spoke within the active threshold.
func (c *Core) ActiveSpeakers(roomID string) []string {
	cutoff := nowUTC().Add(-c.cfg.SpeakerActiveThreshold)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for peerID, last := range c.speakers[roomID] {
		if last.After(cutoff) {
			out = append(out, peerID)
		}
	}
	return out
}

// RunSpeakerSweeper periodically removes speaker entries older than the
// inactivity threshold until the context is cancelled. Meant to run as a
// goroutine next to the RPC server.
func (c *Core) RunSpeakerSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SpeakerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepSpeakers()
		}
	}
}

func (c *Core) sweepSpeakers() {
	cutoff := nowUTC().Add(-c.cfg.SpeakerInactivityThreshold)
	c.mu.Lock()
	defer c.mu.Unlock()
	for roomID, table := range c.speakers {
		for peerID, last := range table {
			if last.Before(cutoff) {
				delete(table, peerID)
				c.log.Debug("speaker swept",
					zap.String("room_id", roomID),
					zap.String("peer_id", peerID),
				)
			}
		}
		if len(table) == 0 {
			delete(c.speakers, roomID)
		}
	}
}
