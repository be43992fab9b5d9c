package balances

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200
)

// Service computes per-patient balance pages and fleet-wide summaries for
// reports and collections workflows.
type Service struct {
	logger *slog.Logger
	repo   Repository
	cache  *Cache
	group  singleflight.Group
}

// NewService builds the balance aggregation service. cache may be nil, in
// which case every read goes straight to the store.
func NewService(logger *slog.Logger, repo Repository, cache *Cache) *Service {
	return &Service{logger: logger, repo: repo, cache: cache}
}

// GetPatientBalances returns one page of patient balance rows plus a
// summary over the entire filtered set, both from the same snapshot. The
// response's AsOf marker tells the caller how fresh the figures are; cached
// responses keep the AsOf of the read that produced them.
func (s *Service) GetPatientBalances(ctx context.Context, filter Filter, cursorToken string, limit int) (*Result, error) {
	after, err := DecodeCursor(cursorToken)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	// Identical concurrent page requests share one snapshot read.
	pageKey := keyPage(filter, cursorToken, limit)
	loader := func(ctx context.Context) (interface{}, error) {
		ch := s.group.DoChan(pageKey, func() (interface{}, error) {
			return s.load(ctx, filter, after, limit)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			return res.Val, res.Err
		}
	}

	if s.cache == nil {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		return value.(*Result), nil
	}

	key, err := s.cache.BuildKey(ctx, pageKey)
	if err != nil {
		// A cache outage must not take the read path down.
		s.logger.Warn("balances cache unavailable", slog.Any("error", err))
		value, lerr := loader(ctx)
		if lerr != nil {
			return nil, lerr
		}
		return value.(*Result), nil
	}
	var result Result
	if err := s.cache.FetchJSON(ctx, key, &result, loader); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDoctorBalancesAndSummary scopes the balance report to the patients of
// one doctor.
func (s *Service) GetDoctorBalancesAndSummary(ctx context.Context, doctorID int64, cursorToken string, limit int) (*Result, error) {
	if doctorID <= 0 {
		return nil, fmt.Errorf("balances: doctor id required")
	}
	return s.GetPatientBalances(ctx, Filter{DoctorID: doctorID}, cursorToken, limit)
}

func (s *Service) load(ctx context.Context, filter Filter, after *Cursor, limit int) (*Result, error) {
	var page []PatientBalanceRow
	var summary Summary
	err := s.repo.WithSnapshot(ctx, func(ctx context.Context, r Reader) error {
		// Fetch one extra row to decide hasMore without a count query.
		rows, err := r.ListPage(ctx, filter, after, limit+1)
		if err != nil {
			return err
		}
		page = rows
		summary, err = r.Summarize(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &Result{
		Summary:    summary,
		AsOf:       time.Now().UTC(),
		SnapshotID: uuid.NewString(),
	}
	if len(page) > limit {
		result.HasMore = true
		page = page[:limit]
	}
	result.Balances = page
	if result.HasMore && len(page) > 0 {
		last := page[len(page)-1]
		token, err := Cursor{Balance: last.CurrentBalance, PatientID: last.PatientID}.Encode()
		if err != nil {
			return nil, err
		}
		result.NextCursor = token
	}
	return result, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}
