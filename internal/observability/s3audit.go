package observability

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/blueberrycongee/routecore/pkg/types"
)

// AuditEntry is one completed-request record, durable enough to reconstruct
// what pipeline handled a request and how it fared after the fact.
type AuditEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	Category   types.Category `json:"category"`
	PipelineID string         `json:"pipeline_id"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Outcome    string         `json:"outcome"`
	LatencyMs  float64        `json:"latency_ms"`
	Error      string         `json:"error,omitempty"`
}

// AuditSink records a completed request. Implementations must not block the
// request path on slow or unavailable storage.
type AuditSink interface {
	Record(entry AuditEntry)
}

// S3AuditConfig configures S3AuditSink.
type S3AuditConfig struct {
	Bucket        string
	PathPrefix    string
	FlushInterval time.Duration
	BatchSize     int
}

// S3AuditSink batches AuditEntry records and uploads them as
// date-partitioned newline-delimited JSON objects, the same batching shape
// the teacher's request logger uses for its S3 callback.
type S3AuditSink struct {
	cfg    S3AuditConfig
	client *s3.Client

	mu     sync.Mutex
	queue  []AuditEntry
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewS3AuditSink builds a sink from an already-resolved AWS config; callers
// discover credentials/region once at startup (see cmd/server) and pass the
// result in, keeping this package free of AWS credential-resolution
// concerns.
func NewS3AuditSink(awsCfg aws.Config, cfg S3AuditConfig) (*S3AuditSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 audit sink: bucket is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	sink := &S3AuditSink{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg),
		queue:  make([]AuditEntry, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}

	sink.wg.Add(1)
	go sink.flushLoop()

	return sink, nil
}

// Record enqueues entry, flushing immediately once the batch fills.
func (s *S3AuditSink) Record(entry AuditEntry) {
	s.mu.Lock()
	s.queue = append(s.queue, entry)
	full := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		go s.flush(context.Background())
	}
}

// Shutdown stops the flush loop and uploads any remaining entries.
func (s *S3AuditSink) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	return s.flush(ctx)
}

func (s *S3AuditSink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.flush(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

func (s *S3AuditSink) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	entries := s.queue
	s.queue = make([]AuditEntry, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	var buf bytes.Buffer
	for i := range entries {
		line, err := json.Marshal(&entries[i])
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	now := time.Now().UTC()
	key := s.objectKey(now)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("s3 audit sink: upload: %w", err)
	}
	return nil
}

func (s *S3AuditSink) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d", t.Year(), t.Month(), t.Day(), t.Hour())
	filename := fmt.Sprintf("requests_%d.jsonl", t.UnixNano())
	if s.cfg.PathPrefix != "" {
		return path.Join(s.cfg.PathPrefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}

var _ AuditSink = (*S3AuditSink)(nil)
