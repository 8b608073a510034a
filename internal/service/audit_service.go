package service

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-service/internal/bucketing"
	"security-service/internal/client"
	"security-service/internal/models"
	"security-service/internal/util"
)

const (
	auditBufferSize    = 1024
	auditFlushInterval = 5 * time.Second
	auditFlushBatch    = 200
)

const auditInsertQuery = `
    INSERT INTO security_events (
        event_id, event_bucket, user_id, event_date, event_time, event_type, ip_address, details
    )`

// AuditService writes security events to the ClickHouse trail. Events
// are buffered and flushed in batches; an audit write never blocks or
// fails the mutation that produced it.
type AuditService struct {
	clickhouse *client.ClickHouseClient
	bucketing  *bucketing.BucketingManager
	logger     *zap.Logger

	events    chan *models.SecurityEvent
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewAuditService(
	clickhouse *client.ClickHouseClient,
	bucketingMgr *bucketing.BucketingManager,
	logger *zap.Logger,
) *AuditService {
	s := &AuditService{
		clickhouse: clickhouse,
		bucketing:  bucketingMgr,
		logger:     logger,
		events:     make(chan *models.SecurityEvent, auditBufferSize),
		done:       make(chan struct{}),
	}

	if clickhouse != nil {
		s.wg.Add(1)
		go s.flushLoop()
	}

	return s
}

// Record enqueues one event. Drops on a full buffer rather than
// stalling the caller.
func (s *AuditService) Record(userID, eventType, details string, ip net.IP) {
	if s.clickhouse == nil {
		return
	}

	now := time.Now().UTC()
	event := &models.SecurityEvent{
		EventID:     uuid.NewString(),
		EventBucket: s.bucketing.EventBucket(userID),
		UserID:      userID,
		EventDate:   now.Format("2006-01-02"),
		EventTime:   now,
		EventType:   eventType,
		IPAddress:   ip,
		Details:     details,
	}

	select {
	case s.events <- event:
	default:
		s.logger.Warn("Audit buffer full, dropping event",
			util.String("event_type", eventType))
	}
}

func (s *AuditService) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(auditFlushInterval)
	defer ticker.Stop()

	batch := make([]*models.SecurityEvent, 0, auditFlushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-s.events:
			batch = append(batch, event)
			if len(batch) >= auditFlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case event := <-s.events:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *AuditService) flush(batch []*models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		ip := ""
		if e.IPAddress != nil {
			ip = e.IPAddress.String()
		}
		rows = append(rows, []interface{}{
			e.EventID, e.EventBucket, e.UserID, e.EventDate, e.EventTime, e.EventType, ip, e.Details,
		})
	}

	if err := s.clickhouse.BatchInsert(ctx, auditInsertQuery, rows); err != nil {
		s.logger.Error("Failed to flush audit events",
			util.Int("count", len(batch)),
			util.ErrorField(err))
		return
	}

	s.logger.Debug("Audit events flushed", util.Int("count", len(batch)))
}

// Close drains the buffer and stops the flusher.
func (s *AuditService) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
