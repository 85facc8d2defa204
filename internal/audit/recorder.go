// Package audit records auth-flow events to ClickHouse and
// Elasticsearch. Recording is best-effort and never blocks or fails
// the request path.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"otp-login-service/internal/client"
	"otp-login-service/internal/config"
	"otp-login-service/internal/model"
	"otp-login-service/internal/util"
)

const (
	queueSize     = 4096
	flushInterval = 5 * time.Second
	maxBatch      = 500
)

const insertEventsQuery = `INSERT INTO auth_events (event_id, event_type, user_id, identifier, ip_address, detail, occurred_at)`

// Recorder buffers events on a channel; a single worker batches them
// into ClickHouse and mirrors each one to Elasticsearch for search.
type Recorder struct {
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	index      string

	events chan model.AuditEvent
	done   chan struct{}
	once   sync.Once
}

func NewRecorder(cfg *config.Config, ch *client.ClickHouseClient, es *client.ESClient) *Recorder {
	r := &Recorder{
		clickhouse: ch,
		es:         es,
		index:      cfg.Elasticsearch.EventsIndex,
		events:     make(chan model.AuditEvent, queueSize),
		done:       make(chan struct{}),
	}
	go r.worker()
	return r
}

// Record enqueues an event. If the buffer is full the event is dropped;
// the auth flow must not wait on the audit trail.
func (r *Recorder) Record(ctx context.Context, event model.AuditEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	select {
	case r.events <- event:
	default:
		util.Warn("Audit queue full, dropping event", util.String("type", event.Type))
	}
}

func (r *Recorder) worker() {
	defer close(r.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEvent, 0, maxBatch)
	for {
		select {
		case event, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= maxBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []model.AuditEvent) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			uuid.New().String(), e.Type, e.UserID, e.Identifier, e.IPAddress, e.Detail, e.At,
		})
	}

	if r.clickhouse != nil {
		if err := r.clickhouse.BatchInsert(ctx, insertEventsQuery, rows); err != nil {
			util.Error("Failed to flush audit events to ClickHouse",
				util.Int("count", len(batch)),
				util.ErrorField(err))
		}
	}

	if r.es != nil {
		for _, e := range batch {
			res, err := r.es.IndexDocument(ctx, r.index, uuid.New().String(), e)
			if err != nil {
				util.Error("Failed to index audit event", util.ErrorField(err))
				continue
			}
			if res != nil {
				res.Body.Close()
			}
		}
	}
}

// Close drains buffered events and stops the worker.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.events)
	})
	select {
	case <-r.done:
	case <-time.After(30 * time.Second):
		util.Warn("Audit recorder close timed out")
	}
}

var _ model.AuditRecorder = (*Recorder)(nil)
