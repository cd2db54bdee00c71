// Package audit records evaluation results. Writes go through a bounded queue
// drained by one background worker, so evaluation never waits on a sink.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TimurManjosov/gopolicy/internal/pagination"
)

// Entry is one audited evaluation. Input and Output are opaque JSON.
type Entry struct {
	ID            string          `json:"id"`
	PolicyType    string          `json:"policyType"`
	RuleID        string          `json:"ruleId"`
	RuleName      string          `json:"ruleName"`
	RuleVersion   int             `json:"ruleVersion"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output"`
	ElapsedMillis int64           `json:"elapsedMillis"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Sink persists audit entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Filter narrows an audit listing. Empty fields match everything.
type Filter struct {
	PolicyType string
	RuleID     string
	Page       pagination.Request
}

// Reader is implemented by sinks that can list what they stored, newest first.
type Reader interface {
	List(ctx context.Context, f Filter) (pagination.Page[Entry], error)
}

// Purger is implemented by sinks that support retention.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Clock interface for testable time operations
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using time.Now()
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator interface for testable ID generation
type IDGenerator interface {
	Generate() string
}

// UUIDGenerator implements IDGenerator using UUID v4
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string { return uuid.NewString() }

// Redactor interface for removing sensitive data
type Redactor interface {
	Redact(data map[string]any) map[string]any
}

// DefaultRedactor masks well-known credential keys in audited input.
type DefaultRedactor struct {
	sensitiveKeys map[string]struct{}
}

func NewDefaultRedactor() *DefaultRedactor {
	keys := []string{"password", "secret", "token", "api_key", "apiKey", "authorization", "cardNumber", "pin"}
	r := &DefaultRedactor{sensitiveKeys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		r.sensitiveKeys[k] = struct{}{}
	}
	return r
}

func (r *DefaultRedactor) Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	redacted := make(map[string]any, len(data))
	for k, v := range data {
		if _, ok := r.sensitiveKeys[k]; ok {
			redacted[k] = "[REDACTED]"
		} else if nested, ok := v.(map[string]any); ok {
			redacted[k] = r.Redact(nested)
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

// Options configure a Service.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	Clock        Clock
	IDGenerator  IDGenerator
	Redactor     Redactor
}

// Service provides asynchronous audit logging.
type Service struct {
	sink     Sink
	logger   *zap.Logger
	clock    Clock
	idgen    IDGenerator
	redactor Redactor
	timeout  time.Duration

	queue  chan Entry
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewService starts the background worker. A nil sink discards entries.
func NewService(sink Sink, logger *zap.Logger, opts Options) *Service {
	if sink == nil {
		sink = DiscardSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = UUIDGenerator{}
	}
	if opts.Redactor == nil {
		opts.Redactor = NewDefaultRedactor()
	}

	s := &Service{
		sink:     sink,
		logger:   logger.Named("audit"),
		clock:    opts.Clock,
		idgen:    opts.IDGenerator,
		redactor: opts.Redactor,
		timeout:  opts.WriteTimeout,
		queue:    make(chan Entry, opts.QueueSize),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

// Sink returns the sink entries are written to.
func (s *Service) Sink() Sink { return s.sink }

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.write(e)
		case <-s.stopCh:
			for {
				select {
				case e := <-s.queue:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.sink.Write(ctx, e); err != nil {
		s.failed.Add(1)
		s.logger.Warn("failed to write audit entry",
			zap.String("id", e.ID),
			zap.String("rule_id", e.RuleID),
			zap.Error(err))
		return
	}
	s.written.Add(1)
}

// Log queues an entry. It never blocks: a full queue drops the entry.
func (s *Service) Log(e Entry) {
	if s.closed.Load() {
		s.logger.Warn("audit service closed, dropping entry", zap.String("rule_id", e.RuleID))
		return
	}
	if e.ID == "" {
		e.ID = s.idgen.Generate()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock.Now()
	}

	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit queue full, dropping entry",
			zap.String("policy_type", e.PolicyType),
			zap.String("rule_id", e.RuleID),
			zap.Int("queue_size", cap(s.queue)))
	}
}

// Record builds an entry from an evaluation and queues it. Input is redacted
// before it is encoded.
func (s *Service) Record(policyType, ruleID, ruleName string, ruleVersion int, input, output map[string]any, elapsed time.Duration) {
	e, err := NewEntryBuilder(policyType).
		ForRule(ruleID, ruleName, ruleVersion).
		WithInput(input).
		WithOutput(output).
		Elapsed(elapsed).
		RedactWith(s.redactor).
		Build()
	if err != nil {
		s.logger.Warn("failed to encode audit entry", zap.String("rule_id", ruleID), zap.Error(err))
		return
	}
	s.Log(e)
}

// Stats reports how many entries were written, failed and dropped.
func (s *Service) Stats() (written, failed, dropped uint64) {
	return s.written.Load(), s.failed.Load(), s.dropped.Load()
}

// Close stops accepting entries, drains the queue and waits for the worker.
// It is safe to call more than once.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// DiscardSink drops every entry.
type DiscardSink struct{}

func (DiscardSink) Write(context.Context, Entry) error { return nil }
