package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// Server owns the meta-frame scheduler, the listening acceptor and the
// client list.
//
// Goroutine topology:
//   - 1 acceptor goroutine (Accept → preamble → append to client list)
//   - 1 scheduler goroutine (meta-frame loop, broadcasts under the
//     client-list mutex)
//   - per camera, the source's own decode goroutines call into the
//     cameraState streaming callbacks
type Server struct {
	log    *slog.Logger
	states []*cameraState

	newFrameMu   sync.Mutex
	newFrameCond *sync.Cond

	metaFrameIndex atomic.Uint32

	clientsMu sync.Mutex
	clients   []*client

	ln       net.Listener
	started  bool
	stopping atomic.Bool
	wg       sync.WaitGroup

	metaFramesDone atomic.Uint64
	framesSent     atomic.Uint64
	clientsServed  atomic.Uint64
}

// Stats is a snapshot of the server's operational state.
type Stats struct {
	// MetaFrameIndex is the index the scheduler is currently filling.
	MetaFrameIndex uint32

	// MetaFramesCompleted counts fully delivered synchronization rounds.
	MetaFramesCompleted uint64

	// FramesSent counts per-client frame records written.
	FramesSent uint64

	// Clients is the current client count.
	Clients int

	// ClientsServed counts every client ever admitted.
	ClientsServed uint64

	// Cameras maps camera serials to compressed-frame counts per stream.
	Cameras []CameraStats
}

// CameraStats is the per-camera slice of Stats.
type CameraStats struct {
	Serial      string
	ColorFrames uint32
	DepthFrames uint32
}

// New builds a server over the given camera sources. The sources are not
// started until Start.
func New(sources []Source) *Server {
	s := &Server{log: slog.Default()}
	s.newFrameCond = sync.NewCond(&s.newFrameMu)
	for _, src := range sources {
		s.states = append(s.states, newCameraState(src, &s.newFrameMu, s.newFrameCond))
	}
	return s
}

// NumCameras returns the number of cameras being served.
func (s *Server) NumCameras() int { return len(s.states) }

// Start begins accepting clients on ln and starts streaming on every
// camera. The scheduler only runs when there is at least one camera.
func (s *Server) Start(ln net.Listener) error {
	if s.started {
		return fmt.Errorf("server: already started")
	}
	s.started = true
	s.ln = ln

	s.wg.Add(1)
	go s.acceptorLoop()

	if len(s.states) > 0 {
		s.wg.Add(1)
		go s.schedulerLoop()
	}

	for i, st := range s.states {
		if err := st.start(); err != nil {
			// Roll back the cameras that did start.
			for _, prev := range s.states[:i] {
				if serr := prev.stop(); serr != nil {
					s.log.Warn("server: stopping camera during rollback", "error", serr)
				}
			}
			s.haltLoops()
			return fmt.Errorf("server: start camera %s: %w", st.source.Serial(), err)
		}
	}

	s.log.Info("server: started",
		"cameras", len(s.states),
		"listen", ln.Addr().String(),
	)
	return nil
}

// haltLoops stops the acceptor and scheduler goroutines and waits for
// them.
func (s *Server) haltLoops() {
	s.stopping.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.newFrameMu.Lock()
	s.newFrameCond.Broadcast()
	s.newFrameMu.Unlock()
	s.wg.Wait()
}

// Shutdown tears the server down in dependency order: the acceptor and
// scheduler first, then camera streaming, then the client sockets. Errors
// during the teardown are logged and swallowed so shutdown always
// completes; ctx bounds only the goroutine joins.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.newFrameMu.Lock()
	s.newFrameCond.Broadcast()
	s.newFrameMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("server: loop join timed out", "error", ctx.Err())
	}

	for _, st := range s.states {
		if err := st.stop(); err != nil {
			s.log.Warn("server: stopping camera", "serial", st.source.Serial(), "error", err)
		}
	}

	s.clientsMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	n := len(s.clients)
	s.clients = nil
	s.clientsMu.Unlock()

	s.log.Info("server: stopped", "clients_disconnected", n)
	return nil
}

// schedulerLoop is the meta-frame loop: it scans cameras for newly posted
// frames, broadcasts each exactly once per meta-frame, and starts the next
// meta-frame only when all 2N sub-streams have been sent.
func (s *Server) schedulerLoop() {
	defer s.wg.Done()

	n := len(s.states)
	numMissingColor, numMissingDepth := n, n

	for {
		for numMissingColor > 0 || numMissingDepth > 0 {
			if s.stopping.Load() {
				return
			}

			// Find the next missing frame that has just become
			// available; restart the scan at camera 0 after progress so
			// lower-indexed cameras are never starved.
			found := false
			for i := 0; !found && i < n; i++ {
				st := s.states[i]
				if !st.hasSentColor && st.colorFrames.LockNewValue() {
					s.broadcastFrame(uint32(2*i), st.colorFrames.GetLockedValue())
					st.hasSentColor = true
					numMissingColor--
					found = true
				}
				if !st.hasSentDepth && st.depthFrames.LockNewValue() {
					s.broadcastFrame(uint32(2*i+1), st.depthFrames.GetLockedValue())
					st.hasSentDepth = true
					numMissingDepth--
					found = true
				}
			}

			if !found {
				// Nothing ready; sleep until a streaming callback
				// signals a new frame.
				s.newFrameMu.Lock()
				if !s.stopping.Load() {
					s.newFrameCond.Wait()
				}
				s.newFrameMu.Unlock()
			}
		}

		// Start a new meta-frame.
		s.metaFrameIndex.Add(1)
		s.metaFramesDone.Add(1)
		for _, st := range s.states {
			st.hasSentColor = false
			st.hasSentDepth = false
		}
		numMissingColor, numMissingDepth = n, n
	}
}

// broadcastFrame writes one sub-stream frame to every connected client.
// Runs under the client-list mutex for the whole pass: broadcasts are
// serialized against acceptor appends, and a slow client backpressures the
// scheduler (accepted and documented behavior).
func (s *Server) broadcastFrame(streamID uint32, cf *CompressedFrame) {
	meta := s.metaFrameIndex.Load()
	s.log.Debug("server: broadcasting frame",
		"meta_frame", meta,
		"stream", streamID,
		"frame_index", cf.Index,
		"timestamp", cf.Timestamp,
	)

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()

	for j := 0; j < len(s.clients); j++ {
		c := s.clients[j]

		if c.hasDisconnectRequest() {
			s.log.Info("server: client disconnect request",
				"client", c.id, "peer", c.peerHost, "port", c.peerPort)
			s.removeClientAt(j)
			j--
			continue
		}

		if err := c.writeFrame(meta, streamID, cf.Data); err != nil {
			s.log.Warn("server: dropping client after write error",
				"client", c.id, "peer", c.peerHost, "port", c.peerPort, "error", err)
			s.removeClientAt(j)
			j--
			continue
		}
		s.framesSent.Add(1)
	}
}

// removeClientAt closes and removes the client at index j. Caller holds
// clientsMu.
func (s *Server) removeClientAt(j int) {
	s.clients[j].close()
	s.clients = append(s.clients[:j], s.clients[j+1:]...)
}

// Stats returns an operational snapshot.
func (s *Server) Stats() Stats {
	s.clientsMu.Lock()
	nClients := len(s.clients)
	s.clientsMu.Unlock()

	st := Stats{
		MetaFrameIndex:      s.metaFrameIndex.Load(),
		MetaFramesCompleted: s.metaFramesDone.Load(),
		FramesSent:          s.framesSent.Load(),
		Clients:             nClients,
		ClientsServed:       s.clientsServed.Load(),
	}
	for _, cs := range s.states {
		st.Cameras = append(st.Cameras, CameraStats{
			Serial:      cs.source.Serial(),
			ColorFrames: cs.colorIndex.Load(),
			DepthFrames: cs.depthIndex.Load(),
		})
	}
	return st
}
