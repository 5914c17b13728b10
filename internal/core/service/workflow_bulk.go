package service

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

const defaultBulkConcurrency = 4

// BulkTransition applies action to every id independently and returns how
// many requests changed. Ids that are unknown or not in a status the action
// applies to are skipped.
func (s *WorkflowService) BulkTransition(ctx context.Context, ids []string, action domain.Action) (int, error) {
	return s.bulk(ctx, ids, string(action), func(ctx context.Context, id string) error {
		_, err := s.Transition(ctx, id, action)
		return err
	})
}

// BulkDelete deletes every id independently and returns how many were removed.
func (s *WorkflowService) BulkDelete(ctx context.Context, ids []string) (int, error) {
	return s.bulk(ctx, ids, "delete", s.Delete)
}

// bulk runs op per id in its own transaction. A failing id never affects the
// others; only cancellation of ctx is reported.
func (s *WorkflowService) bulk(ctx context.Context, ids []string, op string, fn func(ctx context.Context, id string) error) (int, error) {
	var applied atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.opts.BulkConcurrency)

	for _, id := range uniqueIDs(ids) {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(ctx, id); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"op":         op,
					"request_id": id,
				}).Debug("bulk: skipped request")
				return nil
			}
			applied.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(applied.Load())
	s.log.WithFields(logrus.Fields{
		"op":        op,
		"requested": len(ids),
		"applied":   n,
	}).Info("bulk operation finished")

	return n, ctx.Err()
}

// uniqueIDs drops empty and repeated ids, keeping the first occurrence.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
