package drive

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/knowbot/internal/failure"
)

// Provisioner is the drive API used on a cache miss.
type Provisioner interface {
	ListPersonalSpaces(ctx context.Context, unionID string) ([]string, error)
	CreatePersonalSpace(ctx context.Context, unionID, name string) (string, error)
}

// LocatorConfig tunes the locator.
type LocatorConfig struct {
	// FixedSpaceID, when set, is returned for every member and no lookup runs.
	FixedSpaceID string
	// SpaceName names spaces created for members who have none.
	SpaceName string
}

// Locator resolves spaces through a shared cache. Lookups for the same
// unionId are collapsed into a single upstream call; different unionIds
// never wait on each other.
type Locator struct {
	cache       SpaceCache
	provisioner Provisioner
	cfg         LocatorConfig
	group       singleflight.Group
	logger      *slog.Logger
}

func NewLocator(log *slog.Logger, cache SpaceCache, provisioner Provisioner, cfg LocatorConfig) *Locator {
	if log == nil {
		log = slog.Default()
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if strings.TrimSpace(cfg.SpaceName) == "" {
		cfg.SpaceName = "knowledge"
	}
	return &Locator{
		cache:       cache,
		provisioner: provisioner,
		cfg:         cfg,
		logger:      log.With(slog.String("component", "drive")),
	}
}

// ResolveSpace returns the member's space, provisioning one on first use.
func (l *Locator) ResolveSpace(ctx context.Context, unionID string) (Space, error) {
	const op = "resolve drive space"
	unionID = strings.TrimSpace(unionID)
	if unionID == "" {
		return Space{}, failure.New(failure.KindProvisionFailed, op, "union id is required")
	}
	if fixed := strings.TrimSpace(l.cfg.FixedSpaceID); fixed != "" {
		return Space{UnionID: unionID, SpaceID: fixed}, nil
	}
	if space, ok := l.cache.Get(unionID); ok {
		return space, nil
	}

	ch := l.group.DoChan(unionID, func() (any, error) {
		if space, ok := l.cache.Get(unionID); ok {
			return space, nil
		}
		flightCtx, cancel := detach(ctx)
		defer cancel()
		space, err := l.lookupOrProvision(flightCtx, unionID)
		if err != nil {
			return Space{}, err
		}
		l.cache.Put(space)
		return space, nil
	})
	select {
	case <-ctx.Done():
		return Space{}, failure.Wrap(failure.KindDeadlineExceeded, op, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Space{}, res.Err
		}
		return res.Val.(Space), nil
	}
}

func (l *Locator) lookupOrProvision(ctx context.Context, unionID string) (Space, error) {
	ids, err := l.provisioner.ListPersonalSpaces(ctx, unionID)
	if err != nil {
		return Space{}, err
	}
	if len(ids) > 0 {
		return Space{UnionID: unionID, SpaceID: ids[0]}, nil
	}
	spaceID, err := l.provisioner.CreatePersonalSpace(ctx, unionID, l.cfg.SpaceName)
	if err != nil {
		return Space{}, err
	}
	l.logger.Info("drive space provisioned", slog.String("union_id", unionID), slog.String("space_id", spaceID))
	return Space{UnionID: unionID, SpaceID: spaceID}, nil
}

// detach keeps ctx's deadline but drops its cancellation, so one caller
// going away does not fail the others waiting on the same key while a hung
// upstream call still ends with the attempt that started it.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	flight := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(flight, deadline)
	}
	return flight, func() {}
}
