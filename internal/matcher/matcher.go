package matcher

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Workers is the read side of the worker collections.
type Workers interface {
	ListWorkerProfiles(ctx context.Context) ([]*models.WorkerProfile, error)
	ListWorkerStatuses(ctx context.Context) ([]*models.WorkerStatus, error)
}

// Candidate is an idle worker ranked by distance to a pickup point.
// Workers without a known location rank last with an infinite distance.
type Candidate struct {
	WorkerID       string
	DisplayName    string
	Location       *models.Coord
	DistanceMeters float64
}

// Snapshot is the worker view embedded into a notification.
func (c Candidate) Snapshot() models.WorkerSnapshot {
	snap := models.WorkerSnapshot{WorkerID: c.WorkerID, DisplayName: c.DisplayName}
	if c.Location != nil {
		loc := *c.Location
		snap.Location = &loc
	}
	return snap
}

type Service struct {
	Workers Workers
}

func New(workers Workers) *Service {
	return &Service{Workers: workers}
}

// Candidates returns every idle worker sorted nearest first. Ties keep the
// store's listing order. An empty result is not an error.
func (s *Service) Candidates(ctx context.Context, pickup models.Coord) ([]Candidate, error) {
	var (
		profiles []*models.WorkerProfile
		statuses []*models.WorkerStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		profiles, err = s.Workers.ListWorkerProfiles(gctx)
		if err != nil {
			return fmt.Errorf("list worker profiles: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		statuses, err = s.Workers.ListWorkerStatuses(gctx)
		if err != nil {
			return fmt.Errorf("list worker statuses: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := make(map[string]models.WorkerState, len(statuses))
	for _, st := range statuses {
		state[st.WorkerID] = st.State
	}

	out := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		if st, ok := state[p.ID]; ok && st != models.WorkerIdle && st != "" {
			continue
		}
		c := Candidate{WorkerID: p.ID, DisplayName: p.DisplayName, DistanceMeters: math.Inf(1)}
		if p.Location != nil {
			loc := *p.Location
			c.Location = &loc
			c.DistanceMeters = geo.DistanceMeters(pickup, loc)
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	return out, nil
}
