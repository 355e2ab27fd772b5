package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/margin/pkg/vault"
)

// Publisher forwards ledger events to NATS. Subjects are
// "<prefix>.<event type>", e.g. "margin.position.liquidate".
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger log.Logger
}

// NewPublisher connects to NATS and returns a publisher sink.
func NewPublisher(url, prefix string) (*Publisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("feed: connect nats: %w", err)
	}
	return &Publisher{
		nc:     nc,
		prefix: prefix,
		logger: log.Root().New("module", "feed.nats"),
	}, nil
}

// Emit implements vault.EventSink. Publish failures are logged and dropped;
// the ledger never waits on the broker.
func (p *Publisher) Emit(event vault.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal event", "error", err)
		return
	}
	subject := p.prefix + "." + event.Type
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish failed", "subject", subject, "error", err)
	}
}

// Close flushes and closes the NATS connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn("flush failed", "error", err)
	}
	p.nc.Close()
}
