/*
plots.go - Point-funded plot purchases

PURPOSE:
  Sells plots for points. Each plot is sold exactly once: the points debit,
  the ownership claim and the ledger entry commit in one unit, and the
  claim is a single conditional UPDATE that only one buyer can win.

PURCHASE OUTCOMES:
  success                  plot owned, points debited, entry written
  InsufficientBalance      buyer is short, nothing changed
  ResourceUnavailable      another buyer won, nothing changed
  DuplicateEvent           buyer already owns this plot (retry)

CATALOGUE:
  The list of available plots goes through the read-through reference
  cache. Create invalidates it directly; purchases invalidate it through
  the committed spend.applied event (see Watch), so any plot spend that
  reaches the ledger refreshes the catalogue. Ownership checks always hit
  the store.
*/
package plots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/rewards-ledger/generic"
	"github.com/warp/rewards-ledger/internal/cache"
	"github.com/warp/rewards-ledger/internal/events"
)

const availableKey = "plots:available"

type Service struct {
	Ledger  *generic.Coordinator
	Catalog *cache.ReadThrough // optional
	Logger  *slog.Logger
}

func NewService(ledger *generic.Coordinator, catalog *cache.ReadThrough) *Service {
	return &Service{Ledger: ledger, Catalog: catalog, Logger: slog.Default()}
}

// Purchase is the outcome of a successful purchase.
type Purchase struct {
	Plot    generic.Plot
	Entry   generic.LedgerEntry
	Balance generic.UserBalance
}

// Create adds a new available plot. An empty ID gets a generated one.
func (s *Service) Create(ctx context.Context, p generic.Plot) (generic.Plot, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return generic.Plot{}, fmt.Errorf("%w: plot name is required", generic.ErrInvalidInput)
	}
	if p.PointsPrice < 0 {
		return generic.Plot{}, fmt.Errorf("%w: plot price must be non-negative (price=%d)", generic.ErrInvalidAmount, p.PointsPrice)
	}
	if p.ID == "" {
		p.ID = generic.NewID()
	}
	p.OwnerID = ""
	p.IsAvailable = true
	p.PurchasedAt = nil
	p.CreatedAt = s.now()

	err := generic.RunUnit(ctx, s.Ledger.Store, s.unit("plot.create"), func(ctx context.Context, tx generic.Store) error {
		return tx.CreatePlot(ctx, p)
	})
	if err != nil {
		return generic.Plot{}, err
	}
	s.Catalog.Invalidate(ctx, availableKey)

	s.log().InfoContext(ctx, "plot created",
		slog.String("plot_id", p.ID),
		slog.Int64("price", p.PointsPrice))
	return p, nil
}

// Purchase spends the buyer's points on the plot.
func (s *Service) Purchase(ctx context.Context, userID generic.UserID, plotID string) (Purchase, error) {
	plot, err := s.Ledger.Store.GetPlot(ctx, plotID)
	if err != nil {
		return Purchase{}, err
	}
	if plot.OwnerID == userID {
		return Purchase{}, fmt.Errorf("%w: %s already owns plot %s", generic.ErrDuplicateEvent, userID, plotID)
	}

	res, err := s.Ledger.ApplySpend(ctx, generic.Spend{
		UserID:   userID,
		Kind:     generic.SourcePlot,
		Key:      plotID,
		Cost:     plot.PointsPrice,
		Reason:   "plot purchase",
		Metadata: map[string]string{"plot_name": plot.Name},
		Claim: func(ctx context.Context, tx generic.Store, entry generic.LedgerEntry) error {
			err := tx.ClaimPlot(ctx, plotID, userID, entry.CreatedAt)
			if !errors.Is(err, generic.ErrResourceUnavailable) {
				return err
			}
			current, gerr := tx.GetPlot(ctx, plotID)
			if gerr == nil && current.OwnerID == userID {
				return fmt.Errorf("%w: %s already owns plot %s", generic.ErrDuplicateEvent, userID, plotID)
			}
			return err
		},
	})
	if err != nil {
		return Purchase{}, err
	}

	purchasedAt := res.Entry.CreatedAt
	plot.OwnerID = userID
	plot.IsAvailable = false
	plot.PurchasedAt = &purchasedAt

	s.log().InfoContext(ctx, "plot purchased",
		slog.String("plot_id", plotID),
		slog.String("user_id", string(userID)),
		slog.Int64("price", plot.PointsPrice))
	return Purchase{Plot: plot, Entry: res.Entry, Balance: res.Balance}, nil
}

// Watch drops the cached catalogue whenever a plot spend commits. The
// handler runs inline, so the buyer's next Available call already sees
// the plot gone.
func (s *Service) Watch(m *events.Manager) {
	m.SubscribeSync(events.EventSpendApplied, func(ctx context.Context, e events.Event) error {
		if e.Entry.Kind == generic.SourcePlot {
			s.Catalog.Invalidate(ctx, availableKey)
		}
		return nil
	})
}

// Available lists unowned plots, cheapest first.
func (s *Service) Available(ctx context.Context) ([]generic.Plot, error) {
	return cache.Fetch(ctx, s.Catalog, availableKey, func(ctx context.Context) ([]generic.Plot, error) {
		return s.Ledger.Store.ListPlots(ctx, generic.PlotFilter{AvailableOnly: true})
	})
}

func (s *Service) Owned(ctx context.Context, userID generic.UserID) ([]generic.Plot, error) {
	return s.Ledger.Store.ListPlots(ctx, generic.PlotFilter{OwnerID: userID})
}

func (s *Service) Get(ctx context.Context, plotID string) (generic.Plot, error) {
	return s.Ledger.Store.GetPlot(ctx, plotID)
}

func (s *Service) unit(name string) generic.UnitOptions {
	return generic.UnitOptions{Name: name, Timeout: s.Ledger.Timeout}
}

func (s *Service) now() time.Time {
	if s.Ledger.Clock == nil {
		return time.Now().UTC()
	}
	return s.Ledger.Clock.Now().UTC()
}

func (s *Service) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
