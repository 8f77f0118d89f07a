package sessions

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// Log is the best-effort audit adapter the SFU core writes through. Rows
// are written asynchronously; failures are logged, never surfaced.
type Log struct {
	repo *Repository
	zlog *zap.Logger
}

// NewLog wraps a repository into the audit adapter.
func NewLog(repo *Repository, zlog *zap.Logger) *Log {
	return &Log{repo: repo, zlog: zlog}
}

// LogStreamStarted records that a stream went live.
func (l *Log) LogStreamStarted(roomID, streamID, publisherID, kind string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := l.repo.Start(ctx, roomID, streamID, publisherID, kind); err != nil {
			l.zlog.Warn("stream session insert failed",
				zap.String("stream_id", streamID),
				zap.Error(err),
			)
		}
	}()
}

// LogStreamEnded records that a stream went down.
func (l *Log) LogStreamEnded(roomID, streamID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := l.repo.End(ctx, roomID, streamID); err != nil {
			l.zlog.Warn("stream session close failed",
				zap.String("stream_id", streamID),
				zap.Error(err),
			)
		}
	}()
}
