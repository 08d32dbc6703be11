package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Async ingestion: the HTTP boundary publishes occurrences to NATS and
// returns immediately; one or more queue workers drain the subject and run
// the same atomic upsert as synchronous mode. The queue group gives
// at-most-one delivery per worker fleet, and the upsert is keyed, so running
// several workers concurrently is safe.
const (
	SubjectOccurrences = "errsight.occurrences"
	queueGroup         = "errsight-ingest"
)

// QueuePublisher implements Sink by enqueueing occurrences.
type QueuePublisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewQueuePublisher connects to NATS at url.
func NewQueuePublisher(url string, logger *slog.Logger) (*QueuePublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url, nats.Name("errsight-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &QueuePublisher{nc: nc, logger: logger}, nil
}

// Accept implements Sink: marshal and publish, no waiting on downstream.
func (p *QueuePublisher) Accept(occ Occurrence) error {
	data, err := json.Marshal(occ)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDropped, err)
	}
	return p.nc.Publish(SubjectOccurrences, data)
}

// Conn exposes the underlying connection so a worker can share it.
func (p *QueuePublisher) Conn() *nats.Conn {
	return p.nc
}

// Close drains the connection.
func (p *QueuePublisher) Close() {
	_ = p.nc.Drain()
}

// StartQueueWorker subscribes the recorder to the occurrence subject. The
// returned subscription stays active until unsubscribed or the connection
// closes.
func StartQueueWorker(nc *nats.Conn, rec *Recorder, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nc.QueueSubscribe(SubjectOccurrences, queueGroup, func(msg *nats.Msg) {
		var occ Occurrence
		if err := json.Unmarshal(msg.Data, &occ); err != nil {
			logger.Warn("dropping malformed queued occurrence", "error", err)
			return
		}
		if _, err := rec.Record(occ); err != nil {
			logger.Warn("queued occurrence not recorded", "error", err)
		}
	})
}
