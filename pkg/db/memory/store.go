// Package memory is an in-process storage gateway. It backs the test suites and
// the STORAGE_BACKEND=memory development mode.
package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/permanode/pkg/db"
	"github.com/canopy-network/permanode/pkg/db/models/ledger"
	"github.com/canopy-network/permanode/pkg/db/models/records"
	"github.com/puzpuzpuz/xsync/v4"
)

// ErrInjected is returned by writes failed on purpose through FailNextApplies.
var ErrInjected = errors.New("injected write failure")

type recordKey struct {
	kind  records.Kind
	index uint32
}

type intervalKey struct {
	kind     records.Kind
	interval records.Interval
	start    int64
}

// Store implements db.LedgerStore and db.AnalyticsStore.
type Store struct {
	// mu makes ledger writes atomic with respect to multi-key reads.
	mu sync.RWMutex

	outputs    *xsync.Map[string, ledger.OutputRecord]
	milestones *xsync.Map[uint32, ledger.Milestone]
	params     *xsync.Map[uint32, ledger.ProtocolParameters]
	appState   atomic.Pointer[ledger.ApplicationState]

	records   *xsync.Map[recordKey, records.Record]
	intervals *xsync.Map[intervalKey, records.IntervalRecord]

	failApplies atomic.Int32
	applyCalls  atomic.Int64
}

var (
	_ db.LedgerStore    = (*Store)(nil)
	_ db.AnalyticsStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		outputs:    xsync.NewMap[string, ledger.OutputRecord](),
		milestones: xsync.NewMap[uint32, ledger.Milestone](),
		params:     xsync.NewMap[uint32, ledger.ProtocolParameters](),
		records:    xsync.NewMap[recordKey, records.Record](),
		intervals:  xsync.NewMap[intervalKey, records.IntervalRecord](),
	}
}

// FailNextApplies makes the next n ApplyMilestone calls fail without writing anything.
func (s *Store) FailNextApplies(n int32) {
	s.failApplies.Store(n)
}

// ApplyCalls counts ApplyMilestone invocations, failed ones included.
func (s *Store) ApplyCalls() int64 {
	return s.applyCalls.Load()
}

// =============================================================================
// Writes
// =============================================================================

func (s *Store) ApplyMilestone(ctx context.Context, event *ledger.MilestoneEvent) error {
	s.applyCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if s.failApplies.Load() > 0 {
		s.failApplies.Add(-1)
		return fmt.Errorf("apply milestone %d: %w", event.Index, ErrInjected)
	}

	// Stage everything first so the locked section cannot fail halfway.
	staged := make(map[string]ledger.OutputRecord, len(event.Created)+len(event.Consumed))
	for _, o := range event.Created {
		rec := ledger.OutputRecord{Output: o}
		if prev, ok := s.outputs.Load(o.OutputID); ok {
			rec.Spent = prev.Spent
		}
		staged[o.OutputID] = rec
	}
	for _, sp := range event.Consumed {
		spent := sp
		rec, ok := staged[sp.Output.OutputID]
		if !ok {
			rec = ledger.OutputRecord{Output: sp.Output}
		}
		rec.Spent = &spent
		staged[sp.Output.OutputID] = rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, rec := range staged {
		s.outputs.Store(id, rec)
	}
	s.recordParamsLocked(event.Index, event.ProtocolParameters)
	s.milestones.Store(event.Index, ledger.Milestone{
		Index:         event.Index,
		MilestoneID:   event.MilestoneID,
		Timestamp:     event.Timestamp.UTC(),
		CreatedCount:  len(event.Created),
		ConsumedCount: len(event.Consumed),
	})
	return nil
}

func (s *Store) recordParamsLocked(index uint32, p ledger.ProtocolParameters) {
	if prev := s.paramsAtLocked(index); prev != nil && prev.Equal(p) {
		return
	}
	s.params.Store(index, p)
}

func (s *Store) SeedLedger(ctx context.Context, snapshot *ledger.UnspentSnapshot, state ledger.ApplicationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range snapshot.Outputs {
		s.outputs.Store(o.OutputID, ledger.OutputRecord{Output: o})
	}
	s.recordParamsLocked(snapshot.LedgerIndex, snapshot.ProtocolParameters)
	st := state
	st.StartingTimestamp = st.StartingTimestamp.UTC()
	s.appState.Store(&st)
	return nil
}

func (s *Store) RecordAnalyticsIndex(ctx context.Context, index uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := ledger.ApplicationState{}
	if cur := s.appState.Load(); cur != nil {
		st = *cur
	}
	if index > st.AnalyticsIndex {
		st.AnalyticsIndex = index
	}
	s.appState.Store(&st)
	return nil
}

// =============================================================================
// Ledger reads
// =============================================================================

func (s *Store) Output(_ context.Context, outputID string) (*ledger.OutputRecord, error) {
	rec, ok := s.outputs.Load(outputID)
	if !ok {
		return nil, db.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) Milestone(_ context.Context, index uint32) (*ledger.MilestoneEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	header, ok := s.milestones.Load(index)
	if !ok {
		return nil, db.ErrNotFound
	}
	event := &ledger.MilestoneEvent{
		Index:       header.Index,
		MilestoneID: header.MilestoneID,
		Timestamp:   header.Timestamp,
		Created:     []ledger.Output{},
		Consumed:    []ledger.Spent{},
	}
	if p := s.paramsAtLocked(index); p != nil {
		event.ProtocolParameters = *p
	}
	s.outputs.Range(func(_ string, rec ledger.OutputRecord) bool {
		if rec.Booked.MilestoneIndex == index {
			event.Created = append(event.Created, rec.Output)
		}
		if rec.Spent != nil && rec.Spent.Spent.MilestoneIndex == index {
			sp := *rec.Spent
			sp.Output = rec.Output
			event.Consumed = append(event.Consumed, sp)
		}
		return true
	})
	slices.SortFunc(event.Created, func(a, b ledger.Output) int { return strings.Compare(a.OutputID, b.OutputID) })
	slices.SortFunc(event.Consumed, func(a, b ledger.Spent) int { return strings.Compare(a.Output.OutputID, b.Output.OutputID) })
	return event, nil
}

func (s *Store) sortedMilestones(keep func(ledger.Milestone) bool) []ledger.Milestone {
	out := make([]ledger.Milestone, 0)
	s.milestones.Range(func(_ uint32, m ledger.Milestone) bool {
		if keep(m) {
			out = append(out, m)
		}
		return true
	})
	slices.SortFunc(out, func(a, b ledger.Milestone) int { return cmp.Compare(a.Index, b.Index) })
	return out
}

func (s *Store) Milestones(_ context.Context, from, to uint32) ([]ledger.Milestone, error) {
	return s.sortedMilestones(func(m ledger.Milestone) bool {
		return m.Index >= from && m.Index < to
	}), nil
}

func (s *Store) MilestonesBetween(_ context.Context, from, to time.Time) ([]ledger.Milestone, error) {
	return s.sortedMilestones(func(m ledger.Milestone) bool {
		return inRange(m.Timestamp, from, to)
	}), nil
}

func (s *Store) OldestMilestone(_ context.Context) (*ledger.Milestone, error) {
	all := s.sortedMilestones(func(ledger.Milestone) bool { return true })
	if len(all) == 0 {
		return nil, nil
	}
	return &all[0], nil
}

func (s *Store) NewestMilestone(_ context.Context) (*ledger.Milestone, error) {
	all := s.sortedMilestones(func(ledger.Milestone) bool { return true })
	if len(all) == 0 {
		return nil, nil
	}
	return &all[len(all)-1], nil
}

func (s *Store) FindGaps(_ context.Context) ([]ledger.SyncGap, error) {
	all := s.sortedMilestones(func(ledger.Milestone) bool { return true })
	gaps := make([]ledger.SyncGap, 0)
	for i := 1; i < len(all); i++ {
		if all[i].Index > all[i-1].Index+1 {
			gaps = append(gaps, ledger.SyncGap{Start: all[i-1].Index + 1, End: all[i].Index})
		}
	}
	return gaps, nil
}

func (s *Store) ProtocolParametersAt(_ context.Context, index uint32) (*ledger.ProtocolParameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.paramsAtLocked(index)
	if p == nil {
		return nil, db.ErrNotFound
	}
	return p, nil
}

func (s *Store) paramsAtLocked(index uint32) *ledger.ProtocolParameters {
	var (
		best  *ledger.ProtocolParameters
		bestI uint32
	)
	s.params.Range(func(i uint32, p ledger.ProtocolParameters) bool {
		if i <= index && (best == nil || i > bestI) {
			cp := p
			best, bestI = &cp, i
		}
		return true
	})
	return best
}

func (s *Store) UnspentOutputsAt(ctx context.Context, index uint32, fn func(ledger.OutputRecord) error) error {
	s.mu.RLock()
	unspent := make([]ledger.OutputRecord, 0)
	s.outputs.Range(func(_ string, rec ledger.OutputRecord) bool {
		if rec.IsUnspentAt(index) {
			unspent = append(unspent, rec)
		}
		return true
	})
	s.mu.RUnlock()

	slices.SortFunc(unspent, func(a, b ledger.OutputRecord) int { return strings.Compare(a.OutputID, b.OutputID) })
	for _, rec := range unspent {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ActiveAddresses(_ context.Context, from, to time.Time) (uint64, error) {
	seen := make(map[string]struct{})
	s.outputs.Range(func(_ string, rec ledger.OutputRecord) bool {
		if rec.Address == "" {
			return true
		}
		if inRange(rec.Booked.MilestoneTimestamp, from, to) {
			seen[rec.Address] = struct{}{}
		}
		if rec.Spent != nil && inRange(rec.Spent.Spent.MilestoneTimestamp, from, to) {
			seen[rec.Address] = struct{}{}
		}
		return true
	})
	return uint64(len(seen)), nil
}

func (s *Store) ApplicationState(_ context.Context) (*ledger.ApplicationState, error) {
	st := s.appState.Load()
	if st == nil {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// =============================================================================
// Analytics
// =============================================================================

func (s *Store) UpsertRecords(ctx context.Context, recs []records.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range recs {
		r.MilestoneTimestamp = r.MilestoneTimestamp.UTC()
		r.Value = append([]byte(nil), r.Value...)
		s.records.Store(recordKey{kind: r.Kind, index: r.MilestoneIndex}, r)
	}
	return nil
}

func (s *Store) UpsertIntervalRecords(ctx context.Context, recs []records.IntervalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range recs {
		r.BucketStart, r.BucketEnd = r.BucketStart.UTC(), r.BucketEnd.UTC()
		r.Value = append([]byte(nil), r.Value...)
		s.intervals.Store(intervalKey{kind: r.Kind, interval: r.Interval, start: r.BucketStart.UnixNano()}, r)
	}
	return nil
}

func (s *Store) Record(_ context.Context, kind records.Kind, index uint32) (*records.Record, error) {
	r, ok := s.records.Load(recordKey{kind: kind, index: index})
	if !ok {
		return nil, db.ErrNotFound
	}
	return &r, nil
}

func (s *Store) filterRecords(kind records.Kind, keep func(records.Record) bool) []records.Record {
	out := make([]records.Record, 0)
	s.records.Range(func(k recordKey, r records.Record) bool {
		if k.kind == kind && keep(r) {
			out = append(out, r)
		}
		return true
	})
	slices.SortFunc(out, func(a, b records.Record) int { return cmp.Compare(a.MilestoneIndex, b.MilestoneIndex) })
	return out
}

func (s *Store) RecordsByIndex(_ context.Context, kind records.Kind, from, to uint32) ([]records.Record, error) {
	return s.filterRecords(kind, func(r records.Record) bool {
		return r.MilestoneIndex >= from && r.MilestoneIndex < to
	}), nil
}

func (s *Store) RecordsBetween(_ context.Context, kind records.Kind, from, to time.Time) ([]records.Record, error) {
	return s.filterRecords(kind, func(r records.Record) bool {
		return inRange(r.MilestoneTimestamp, from, to)
	}), nil
}

func (s *Store) IntervalRecord(_ context.Context, kind records.Kind, interval records.Interval, bucketStart time.Time) (*records.IntervalRecord, error) {
	r, ok := s.intervals.Load(intervalKey{kind: kind, interval: interval, start: bucketStart.UTC().UnixNano()})
	if !ok {
		return nil, db.ErrNotFound
	}
	return &r, nil
}

// RecordCount is the number of per-milestone records held.
func (s *Store) RecordCount() int {
	return s.records.Size()
}

// AllRecords returns every per-milestone record ordered by kind then index.
func (s *Store) AllRecords() []records.Record {
	out := make([]records.Record, 0, s.records.Size())
	s.records.Range(func(_ recordKey, r records.Record) bool {
		out = append(out, r)
		return true
	})
	slices.SortFunc(out, func(a, b records.Record) int {
		if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
			return c
		}
		return cmp.Compare(a.MilestoneIndex, b.MilestoneIndex)
	})
	return out
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

