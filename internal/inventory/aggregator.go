package inventory

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Lister returns the images of every running container on one host.
type Lister interface {
	// Name identifies the host in logs and errors.
	Name() string
	ListImages(ctx context.Context) ([]Image, error)
}

// HostError records one failed host query.
type HostError struct {
	Host string
	Err  error
}

// Result is the outcome of one inventory collection. A run where every
// host failed produces an empty set but is distinguishable from a run
// where hosts responded and nothing was running.
type Result struct {
	Images     *Set
	Hosts      int
	HostErrors []HostError
}

// AllHostsFailed reports whether no host contributed to the inventory.
func (r *Result) AllHostsFailed() bool {
	return r.Hosts > 0 && len(r.HostErrors) == r.Hosts
}

// Aggregator collects a deduplicated image inventory across hosts.
type Aggregator struct {
	listers []Lister
	timeout time.Duration
	logger  *slog.Logger
}

func NewAggregator(listers []Lister, timeout time.Duration, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		listers: listers,
		timeout: timeout,
		logger:  logger,
	}
}

// Collect queries all hosts and merges their running images into one
// deduplicated set. Hosts are queried concurrently, but the merge walks
// hosts in configured order so the retained display name for a shared
// digest is the first-configured host's. A host failure is logged and
// isolated; it never aborts the collection.
func (a *Aggregator) Collect(ctx context.Context) *Result {
	type hostImages struct {
		images []Image
		err    error
	}

	results := make([]hostImages, len(a.listers))

	var g errgroup.Group
	for i, lister := range a.listers {
		i, lister := i, lister
		g.Go(func() error {
			hostCtx := ctx
			if a.timeout > 0 {
				var cancel context.CancelFunc
				hostCtx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}
			images, err := lister.ListImages(hostCtx)
			results[i] = hostImages{images: images, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		Images: NewSet(),
		Hosts:  len(a.listers),
	}

	for i, lister := range a.listers {
		if err := results[i].err; err != nil {
			a.logger.Error("host query failed", "host", lister.Name(), "error", err)
			res.HostErrors = append(res.HostErrors, HostError{Host: lister.Name(), Err: err})
			continue
		}
		for _, img := range results[i].images {
			if res.Images.Add(img) {
				a.logger.Debug("image discovered", "host", lister.Name(), "image", img.Name, "digest", img.Digest)
			}
		}
	}

	return res
}
