package opsfeed

import (
	"time"
)

// HeartbeatConfig controls liveness checks.
type HeartbeatConfig struct {
	Interval time.Duration // ping period
	Timeout  time.Duration // grace after Interval before a silent connection is dropped
}

// DefaultHeartbeatConfig pings every 30s and drops after 40s of silence.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

func (s *Server) runHeartbeat(cfg HeartbeatConfig) {
	if cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkConnections(cfg, time.Now())
		}
	}
}

// checkConnections drops connections that have been silent past the
// deadline and pings the rest. Clients answer pings with pongs, which count
// as activity.
func (s *Server) checkConnections(cfg HeartbeatConfig, now time.Time) {
	deadline := cfg.Interval + cfg.Timeout
	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.logger.Info("heartbeat timeout", "conn", c.ID, "idle", idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Warn("heartbeat ping failed", "conn", c.ID, "err", err)
			s.RemoveConnection(c)
		}
	}
}
