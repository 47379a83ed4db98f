package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/autodeploy/internal/config"
)

// DefaultSubject prefixes the subject events are published on.
const DefaultSubject = "autodeploy.events"

// NATSSink publishes events as JSON to <subject>.<deployment_id>.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATSSink publishes on an existing connection. The caller keeps
// ownership of nc.
func NewNATSSink(nc *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{nc: nc, subject: subject}
}

// DialNATS connects to the server in cfg. The sink closes the connection.
func DialNATS(cfg config.ReporterConfig) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("autodeploy"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
	}
	if cfg.NATSToken.IsSet() {
		opts = append(opts, nats.Token(cfg.NATSToken.Value()))
	}
	nc, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	s := NewNATSSink(nc, cfg.NATSSubject)
	s.owned = true
	return s, nil
}

// Subject returns the subject events of a deployment are published on.
func (s *NATSSink) Subject(deploymentID string) string {
	return s.subject + "." + deploymentID
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := nats.NewMsg(s.Subject(e.DeploymentID))
	msg.Data = data
	// lets JetStream streams deduplicate redelivered events
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	if err := s.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes an owned connection.
func (s *NATSSink) Close() error {
	if s.nc.IsClosed() {
		return nil
	}
	err := s.nc.FlushTimeout(2 * time.Second)
	if s.owned {
		s.nc.Close()
	}
	return err
}
