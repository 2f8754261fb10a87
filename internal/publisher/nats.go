// Package publisher forwards stored events to NATS JetStream so live
// consumers can follow the history as it is written.
package publisher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"

	"go.miloapis.com/eventhistory/internal/events"
	"go.miloapis.com/eventhistory/internal/metrics"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "events.k8s"

// drainTimeout is the maximum time to wait for the NATS connection to drain.
const drainTimeout = 10 * time.Second

// JetStream is the part of nats.JetStreamContext the publisher uses.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Config holds the live feed configuration.
type Config struct {
	// NATS connection URL. Empty disables the feed.
	URL string

	// Subject prefix for events (subject will be {prefix}.{namespace})
	SubjectPrefix string

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

// Publisher publishes committed events to JetStream.
type Publisher struct {
	nc            *nats.Conn
	js            JetStream
	subjectPrefix string
}

// New creates a publisher on an existing JetStream context.
func New(js JetStream, subjectPrefix string) *Publisher {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &Publisher{js: js, subjectPrefix: subjectPrefix}
}

// Connect dials NATS and returns a publisher. It returns nil, nil when
// cfg.URL is empty.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts := []nats.Option{
		nats.Name("kube-event-history"),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				klog.ErrorS(err, "NATS disconnected")
			} else {
				klog.InfoS("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			klog.InfoS("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	if cfg.TLSEnabled {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	klog.InfoS("Connected to NATS", "url", cfg.URL, "subjectPrefix", cfg.SubjectPrefix)
	p := New(js, cfg.SubjectPrefix)
	p.nc = nc
	return p, nil
}

// buildTLSConfig creates a TLS configuration for the NATS connection.
func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load NATS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read NATS CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse NATS CA certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	return tlsConfig, nil
}

// subject builds {prefix}.{namespace}. NATS tokens cannot contain dots or
// be empty.
func (p *Publisher) subject(namespace string) string {
	if namespace == "" {
		namespace = "_"
	}
	return p.subjectPrefix + "." + strings.ReplaceAll(namespace, ".", "_")
}

// Publish sends one event. The message ID is derived from (uid, count) so
// JetStream drops redeliveries inside its deduplication window.
func (p *Publisher) Publish(ctx context.Context, ev *events.ClusterEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := p.subject(ev.Namespace)
	msgID := fmt.Sprintf("%s-%d", ev.UID, ev.Count)

	if _, err := p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	klog.V(4).InfoS("Published event", "subject", subject, "msgID", msgID)
	return nil
}

// PublishBatch publishes every event in batch. Failures are logged and
// counted; they never propagate to the caller.
func (p *Publisher) PublishBatch(ctx context.Context, batch []events.ClusterEvent) {
	if p == nil {
		return
	}

	for i := range batch {
		if err := p.Publish(ctx, &batch[i]); err != nil {
			metrics.FeedPublishErrors.Inc()
			klog.ErrorS(err, "Failed to publish event",
				"namespace", batch[i].Namespace,
				"uid", batch[i].UID,
				"count", batch[i].Count,
			)
			continue
		}
		metrics.FeedPublishedTotal.Inc()
	}
}

// Check implements a controller-runtime healthz.Checker for the NATS connection.
func (p *Publisher) Check(_ *http.Request) error {
	if p.nc == nil {
		return fmt.Errorf("NATS connection not initialized")
	}
	if !p.nc.IsConnected() {
		return fmt.Errorf("NATS connection is disconnected")
	}
	return nil
}

// Close drains the connection, forcing a close after drainTimeout.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return
	}

	done := make(chan struct{})
	go func() {
		if err := p.nc.Drain(); err != nil {
			klog.ErrorS(err, "Failed to drain NATS connection, forcing close")
			p.nc.Close()
		}
		close(done)
	}()

	select {
	case <-done:
		klog.Info("NATS connection drained")
	case <-time.After(drainTimeout):
		klog.Warning("NATS drain timed out, forcing close")
		p.nc.Close()
	}
}
