package peer

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Quality is a coarse grade of the media path.
type Quality string

const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

// Stats is one sample of connection statistics.
type Stats struct {
	Timestamp       time.Time     `json:"timestamp"`
	RoundTripTime   time.Duration `json:"round_trip_time"`
	Jitter          time.Duration `json:"jitter"`
	PacketsReceived int64         `json:"packets_received"`
	PacketsLost     int64         `json:"packets_lost"`
	PacketsSent     int64         `json:"packets_sent"`
	BytesReceived   uint64        `json:"bytes_received"`
	BytesSent       uint64        `json:"bytes_sent"`
	LossRate        float64       `json:"loss_rate"`
	Quality         Quality       `json:"quality"`
}

func parseStats(report webrtc.StatsReport, now time.Time) Stats {
	s := Stats{Timestamp: now}
	var jitter float64

	for _, entry := range report {
		switch st := entry.(type) {
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				s.RoundTripTime = seconds(st.CurrentRoundTripTime)
			}
		case webrtc.InboundRTPStreamStats:
			s.PacketsReceived += int64(st.PacketsReceived)
			s.PacketsLost += int64(st.PacketsLost)
			s.BytesReceived += st.BytesReceived
			if st.Jitter > jitter {
				jitter = st.Jitter
			}
		case webrtc.OutboundRTPStreamStats:
			s.PacketsSent += int64(st.PacketsSent)
			s.BytesSent += st.BytesSent
		}
	}

	s.Jitter = seconds(jitter)
	if total := s.PacketsReceived + s.PacketsLost; total > 0 && s.PacketsLost > 0 {
		s.LossRate = float64(s.PacketsLost) / float64(total)
	}
	s.Quality = grade(s)
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func grade(s Stats) Quality {
	if s.PacketsReceived == 0 && s.RoundTripTime == 0 {
		return QualityUnknown
	}
	switch {
	case s.LossRate >= 0.10 || s.RoundTripTime >= 500*time.Millisecond:
		return QualityPoor
	case s.LossRate >= 0.03 || s.RoundTripTime >= 250*time.Millisecond || s.Jitter >= 50*time.Millisecond:
		return QualityFair
	}
	return QualityGood
}
