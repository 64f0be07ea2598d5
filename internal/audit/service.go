// Package audit keeps a hash chain of vault activity. Each link hashes the
// stored columns of one event together with the previous link. The tip lives
// in vault_meta, so Verify also notices a truncated tail.
package audit

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amanthanvi/lockbox/internal/storage"
)

const verifyPageSize = 500

type Service struct {
	repo storage.AuditRepository
	now  func() time.Time

	mu  sync.Mutex
	tip string
}

type Option func(*Service)

// WithClock fixes event timestamps in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(ctx context.Context, repo storage.AuditRepository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("new audit service: repository is nil")
	}
	tip, err := repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("new audit service: %w", err)
	}

	svc := &Service{repo: repo, now: time.Now, tip: tip}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Record appends event to the chain and moves the tip.
func (s *Service) Record(ctx context.Context, event Event) error {
	if err := event.validate(); err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	at := event.At
	if at.IsZero() {
		at = s.now()
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("record audit event: encode details: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := &storage.AuditEvent{
		Action:      string(event.Action),
		TargetType:  string(event.Action.Kind()),
		TargetID:    event.Target,
		Result:      string(event.Result),
		DetailsJSON: string(details),
		PrevHash:    s.tip,
		CreatedAt:   at.UTC(),
	}
	row.EventHash = linkHash(row)

	if err := s.repo.AppendWithTip(ctx, row, row.EventHash); err != nil {
		return fmt.Errorf("record audit event %s: %w", event.Action, err)
	}
	s.tip = row.EventHash
	return nil
}

// Verify walks the chain from the first event. It stops at the first broken
// link and reports that event's id.
func (s *Service) Verify(ctx context.Context) (*VerifyResult, error) {
	result := &VerifyResult{}
	prev := ""
	var afterID int64

	for {
		page, err := s.repo.List(ctx, storage.AuditFilter{AfterID: afterID, Limit: verifyPageSize})
		if err != nil {
			return nil, fmt.Errorf("verify audit chain: %w", err)
		}
		for i := range page {
			row := &page[i]
			result.EventCount++
			if reason := checkLink(row, prev); reason != "" {
				result.ChainTip = prev
				result.BrokenAt = row.ID
				result.Error = fmt.Sprintf("event %d: %s", row.ID, reason)
				return result, nil
			}
			prev = row.EventHash
			afterID = row.ID
		}
		if len(page) < verifyPageSize {
			break
		}
	}

	result.ChainTip = prev
	stored, err := s.repo.ChainTip(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify audit chain: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(prev)) != 1 {
		result.Error = "stored chain tip does not match the last event"
		return result, nil
	}
	result.Valid = true
	return result, nil
}

func checkLink(row *storage.AuditEvent, prev string) string {
	if _, err := ParseAction(row.Action); err != nil {
		return fmt.Sprintf("unknown action %q", row.Action)
	}
	if row.TargetType != string(Action(row.Action).Kind()) {
		return fmt.Sprintf("target kind %q does not match action %s", row.TargetType, row.Action)
	}
	if subtle.ConstantTimeCompare([]byte(row.PrevHash), []byte(prev)) != 1 {
		return "previous hash does not match"
	}
	if subtle.ConstantTimeCompare([]byte(row.EventHash), []byte(linkHash(row))) != 1 {
		return "event hash does not match"
	}
	return ""
}

func (s *Service) List(ctx context.Context, filter Filter) ([]RecordedEvent, error) {
	rows, err := s.repo.List(ctx, storage.AuditFilter{
		Action:   string(filter.Action),
		TargetID: filter.Target,
		Since:    filter.Since,
		Until:    filter.Until,
		Limit:    filter.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	events := make([]RecordedEvent, 0, len(rows))
	for _, row := range rows {
		event := RecordedEvent{
			ID:        row.ID,
			At:        row.CreatedAt,
			Action:    Action(row.Action),
			Kind:      TargetKind(row.TargetType),
			Target:    row.TargetID,
			Result:    Result(row.Result),
			PrevHash:  row.PrevHash,
			EventHash: row.EventHash,
		}
		if err := json.Unmarshal([]byte(row.DetailsJSON), &event.Details); err != nil {
			return nil, fmt.Errorf("list audit events: event %d details: %w", row.ID, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// linkHash is SHA-256 over the length-prefixed stored columns, starting with
// the previous link.
func linkHash(row *storage.AuditEvent) string {
	h := sha256.New()
	var size [8]byte
	for _, part := range []string{
		row.PrevHash,
		row.CreatedAt.UTC().Format(time.RFC3339Nano),
		row.Action,
		row.TargetType,
		row.TargetID,
		row.Result,
		row.DetailsJSON,
	} {
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		h.Write(size[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
