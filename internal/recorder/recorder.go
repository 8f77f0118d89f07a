package recorder

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/aura-webinar/sfu/internal/sfu"
	"github.com/aura-webinar/sfu/pkg/queue"
	"github.com/aura-webinar/sfu/pkg/storage"
)

const (
	// RTP payload types in the SDP handed to ffmpeg (WriteRTP rewrites
	// packets to match).
	payloadTypeVideo = 96
	payloadTypeAudio = 97
	// Default max recording duration (2 hours).
	defaultMaxDurationSec = 7200
)

// Session is one active recording: an ffmpeg process fed over loopback
// UDP from room producer taps.
type Session struct {
	roomID      string
	recordingID uuid.UUID
	outputPath  string
	sdpPath     string
	cmd         *exec.Cmd
	videoConn   *net.UDPConn
	audioConn   *net.UDPConn
	release     func() // detaches the producer taps
	mu          sync.Mutex
	log         *zap.Logger
}

// kindSink adapts one media kind of a session to the producer tap interface.
type kindSink struct {
	session *Session
	video   bool
}

// WriteRTP forwards a copy of the packet to ffmpeg, rewriting the payload
// type to match the SDP. Never blocks; datagram sends drop on pressure.
func (s *kindSink) WriteRTP(pkt *rtp.Packet) error {
	clone := *pkt
	if s.video {
		clone.PayloadType = payloadTypeVideo
	} else {
		clone.PayloadType = payloadTypeAudio
	}
	raw, err := clone.Marshal()
	if err != nil {
		return err
	}
	s.session.mu.Lock()
	conn := s.session.audioConn
	if s.video {
		conn = s.session.videoConn
	}
	s.session.mu.Unlock()
	if conn != nil {
		_, _ = conn.Write(raw)
	}
	return nil
}

// Service starts and stops room recordings: it taps live producers,
// muxes through ffmpeg and hands finished files to the upload queue.
type Service struct {
	core      *sfu.Core
	repo      *Repository
	jobs      *queue.Queue
	outputDir string
	maxDurSec int
	log       *zap.Logger
	mu        sync.Mutex
	sessions  map[string]*Session // by roomID
}

// NewService creates the recording service. Repository and queue are
// optional; without them recordings stay on local disk untracked.
func NewService(core *sfu.Core, repo *Repository, jobs *queue.Queue, outputDir string, log *zap.Logger) *Service {
	if outputDir == "" {
		outputDir = os.TempDir()
	}
	return &Service{
		core:      core,
		repo:      repo,
		jobs:      jobs,
		outputDir: outputDir,
		maxDurSec: defaultMaxDurationSec,
		log:       log,
		sessions:  make(map[string]*Session),
	}
}

// SetMaxDuration sets the maximum recording duration in seconds (ffmpeg -t).
func (svc *Service) SetMaxDuration(sec int) { svc.maxDurSec = sec }

// buildSDP generates the SDP ffmpeg reads the RTP legs from.
func buildSDP(videoPort, audioPort int) string {
	s := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	s += fmt.Sprintf("m=video %d RTP/AVP %d\r\na=rtpmap:%d VP8/90000\r\n", videoPort, payloadTypeVideo, payloadTypeVideo)
	s += fmt.Sprintf("m=audio %d RTP/AVP %d\r\na=rtpmap:%d opus/48000/2\r\n", audioPort, payloadTypeAudio, payloadTypeAudio)
	return s
}

func freeLoopbackPort(fallback int) int {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return fallback
	}
	port := ln.LocalAddr().(*net.UDPAddr).Port
	ln.Close()
	return port
}

// Start begins recording a room. The room must already have live
// producers; tapping is attach-time only.
func (svc *Service) Start(ctx context.Context, roomID string) (string, error) {
	svc.mu.Lock()
	if _, busy := svc.sessions[roomID]; busy {
		svc.mu.Unlock()
		return "", fmt.Errorf("room %s is already being recorded", roomID)
	}
	svc.mu.Unlock()

	videoPort := freeLoopbackPort(5000)
	audioPort := freeLoopbackPort(5002)

	recordingID := uuid.New()
	dir := filepath.Join(svc.outputDir, "recordings")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("recording dir: %w", err)
	}
	outputPath := filepath.Join(dir, recordingID.String()+".mp4")
	sdpPath := filepath.Join(dir, recordingID.String()+".sdp")
	if err := os.WriteFile(sdpPath, []byte(buildSDP(videoPort, audioPort)), 0600); err != nil {
		return "", fmt.Errorf("write sdp: %w", err)
	}

	// Detached from the request context so stop stays explicit.
	cmd := exec.Command("ffmpeg",
		"-protocol_whitelist", "file,udp,rtp",
		"-f", "sdp", "-i", sdpPath,
		"-c", "copy",
		"-t", fmt.Sprintf("%d", svc.maxDurSec),
		"-y",
		outputPath,
	)
	if err := cmd.Start(); err != nil {
		_ = os.Remove(sdpPath)
		return "", fmt.Errorf("start ffmpeg: %w", err)
	}

	videoConn, err1 := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: videoPort})
	audioConn, err2 := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: audioPort})
	if err1 != nil || err2 != nil {
		_ = cmd.Process.Kill()
		if videoConn != nil {
			videoConn.Close()
		}
		if audioConn != nil {
			audioConn.Close()
		}
		_ = os.Remove(sdpPath)
		return "", fmt.Errorf("dial ffmpeg ports: %v %v", err1, err2)
	}

	session := &Session{
		roomID:      roomID,
		recordingID: recordingID,
		outputPath:  outputPath,
		sdpPath:     sdpPath,
		cmd:         cmd,
		videoConn:   videoConn,
		audioConn:   audioConn,
		log:         svc.log.With(zap.String("room_id", roomID), zap.String("recording_id", recordingID.String())),
	}

	release, err := svc.core.AttachRecordingSinks(roomID,
		&kindSink{session: session, video: false},
		&kindSink{session: session, video: true},
	)
	if err != nil {
		_ = cmd.Process.Kill()
		videoConn.Close()
		audioConn.Close()
		_ = os.Remove(sdpPath)
		return "", fmt.Errorf("attach taps: %w", err)
	}
	session.release = release

	if svc.repo != nil {
		if _, dbErr := svc.repo.Create(ctx, roomID, outputPath); dbErr != nil {
			svc.log.Warn("recording row insert failed", zap.Error(dbErr))
		}
	}

	svc.mu.Lock()
	svc.sessions[roomID] = session
	svc.mu.Unlock()

	session.log.Info("recording started", zap.String("output", outputPath))
	return recordingID.String(), nil
}

// Stop ends the room's recording, finalises the file and enqueues the
// upload job. Returns the S3 object key the file will land under.
func (svc *Service) Stop(ctx context.Context, roomID string) (string, error) {
	svc.mu.Lock()
	session, ok := svc.sessions[roomID]
	if ok {
		delete(svc.sessions, roomID)
	}
	svc.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no active recording for room %s", roomID)
	}

	session.release()

	session.mu.Lock()
	if session.videoConn != nil {
		session.videoConn.Close()
		session.videoConn = nil
	}
	if session.audioConn != nil {
		session.audioConn.Close()
		session.audioConn = nil
	}
	session.mu.Unlock()

	// SIGINT lets ffmpeg write the moov atom; fall back to kill.
	if err := session.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = session.cmd.Process.Kill()
	}
	_ = session.cmd.Wait()
	_ = os.Remove(session.sdpPath)

	if svc.repo != nil {
		if err := svc.repo.MarkStopped(ctx, session.recordingID); err != nil {
			session.log.Warn("recording row update failed", zap.Error(err))
		}
	}

	objectKey := storage.RecordingKey(roomID, session.recordingID.String())
	if svc.jobs != nil {
		if err := svc.jobs.EnqueueRecordingUpload(ctx, queue.RecordingUploadPayload{
			RecordingID: session.recordingID,
			RoomID:      roomID,
			LocalPath:   session.outputPath,
		}); err != nil {
			session.log.Error("enqueue upload failed", zap.Error(err))
		}
	}

	session.log.Info("recording stopped", zap.String("object_key", objectKey))
	return objectKey, nil
}

// StopAll ends every active recording (shutdown path).
func (svc *Service) StopAll(ctx context.Context) {
	svc.mu.Lock()
	rooms := make([]string, 0, len(svc.sessions))
	for roomID := range svc.sessions {
		rooms = append(rooms, roomID)
	}
	svc.mu.Unlock()
	for _, roomID := range rooms {
		if _, err := svc.Stop(ctx, roomID); err != nil {
			svc.log.Warn("stop recording failed", zap.String("room_id", roomID), zap.Error(err))
		}
	}
}
