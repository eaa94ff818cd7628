package server

import (
	"encoding/binary"
	"fmt"
)

// PreambleMagic opens every connection; deployed clients reject anything
// else.
const PreambleMagic uint32 = 0x12345678

// acceptorLoop accepts connections, sends the stream preamble and appends
// the client to the shared list. It never touches per-frame traffic. A
// client that fails during the preamble is closed and forgotten; the loop
// keeps accepting.
func (s *Server) acceptorLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				return
			}
			s.log.Error("server: accept failed", "error", err)
			continue
		}

		c := newClient(conn)
		s.log.Info("server: client connecting",
			"client", c.id, "peer", c.peerHost, "port", c.peerPort)

		if err := s.sendPreamble(c); err != nil {
			s.log.Warn("server: disconnecting new client during preamble",
				"client", c.id, "peer", c.peerHost, "error", err)
			c.close()
			continue
		}

		s.clientsMu.Lock()
		s.clients = append(s.clients, c)
		s.clientsMu.Unlock()
		s.clientsServed.Add(1)

		s.log.Info("server: client connected",
			"client", c.id, "peer", c.peerHost, "port", c.peerPort)
	}
}

// sendPreamble writes the connection preamble: magic, camera count, then
// per camera the two codec stream headers, both projection matrices and
// the extrinsic transform. Flushed before the client joins the list so the
// first frame record a client sees follows a complete preamble.
func (s *Server) sendPreamble(c *client) error {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], PreambleMagic)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(s.states)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}

	for _, st := range s.states {
		if _, err := c.w.Write(st.colorHeaders); err != nil {
			return err
		}
		if _, err := c.w.Write(st.depthHeaders); err != nil {
			return err
		}

		ip := st.source.Intrinsics()
		if err := ip.ColorProjection.Write(c.w); err != nil {
			return fmt.Errorf("write color projection: %w", err)
		}
		if err := ip.DepthProjection.Write(c.w); err != nil {
			return fmt.Errorf("write depth projection: %w", err)
		}
		if err := st.source.Extrinsics().Write(c.w); err != nil {
			return fmt.Errorf("write extrinsic transform: %w", err)
		}
	}
	return c.w.Flush()
}
