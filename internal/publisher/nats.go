package publisher

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"eta-predictor/internal/transit"
)

type NATSPublisher struct {
	nc      *nats.Conn
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("eta-predictor"),
		nats.DisconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PredictionMessage is the wire form consumed by the map/UI and notification
// collaborators.
type PredictionMessage struct {
	VehicleID    string    `json:"vehicleId"`
	RouteID      string    `json:"routeId"`
	StopID       string    `json:"stopId"`
	EtaMinutes   int       `json:"etaMinutes"`
	Confidence   float64   `json:"confidence"`
	ModelVersion string    `json:"modelVersion"`
	Fallback     bool      `json:"fallback"`
	PredictedAt  time.Time `json:"predictedAt"`
}

// PublishPrediction emits one record on eta.<route>.<vehicle>.
func (p *NATSPublisher) PublishPrediction(r transit.PredictionRecord) error {
	subject := fmt.Sprintf("eta.%s.%s", subjectToken(r.RouteID), subjectToken(r.VehicleID))
	b, err := json.Marshal(PredictionMessage{
		VehicleID:    r.VehicleID,
		RouteID:      r.RouteID,
		StopID:       r.StopID,
		EtaMinutes:   r.EtaMinutes,
		Confidence:   r.Confidence,
		ModelVersion: r.ModelVersion,
		Fallback:     r.Fallback,
		PredictedAt:  r.PredictedAt,
	})
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
