package workspace

import (
	"context"
	"errors"
	"sync"

	"campusbridge/engagement"
	"campusbridge/observability"
)

var errNilSource = errors.New("workspace: engagement source not configured")

// EngagementSource reads the current engagement record.
type EngagementSource interface {
	GetTransaction(ctx context.Context, id string) (*engagement.Engagement, error)
}

// Controller decides whether the secure workspace (messaging and file
// exchange) is unlocked for an engagement. The decision composes the escrow
// and NDA gates with the lifecycle state; it is queried on every workspace
// page view, so results are cached per engagement and dropped on any write to
// the engagement or its gate inputs. Cached entries never expire on their
// own: financial and legal gating must not ride on TTL staleness.
type Controller struct {
	source EngagementSource
	escrow engagement.Gate
	nda    engagement.Gate

	mu    sync.RWMutex
	cache map[string]bool
}

// NewController wires the access controller with its gate evaluators.
func NewController(source EngagementSource, escrow, nda engagement.Gate) *Controller {
	return &Controller{
		source: source,
		escrow: escrow,
		nda:    nda,
		cache:  make(map[string]bool),
	}
}

// Unlocked reports whether the workspace is open for the engagement.
func (c *Controller) Unlocked(ctx context.Context, engagementID string) (bool, error) {
	if c == nil || c.source == nil {
		return false, errNilSource
	}

	c.mu.RLock()
	cached, ok := c.cache[engagementID]
	c.mu.RUnlock()
	if ok {
		observability.Workspace().RecordLookup("hit")
		return cached, nil
	}

	unlocked, err := c.compute(ctx, engagementID)
	if err != nil {
		observability.Workspace().RecordLookup("error")
		return false, err
	}
	observability.Workspace().RecordLookup("miss")

	c.mu.Lock()
	c.cache[engagementID] = unlocked
	c.mu.Unlock()
	return unlocked, nil
}

// Invalidate drops the cached decision after any write to the engagement,
// its escrow hold, or its signature request.
func (c *Controller) Invalidate(engagementID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.cache, engagementID)
	c.mu.Unlock()
}

func (c *Controller) compute(ctx context.Context, engagementID string) (bool, error) {
	eng, err := c.source.GetTransaction(ctx, engagementID)
	if err != nil {
		return false, err
	}
	if eng == nil {
		return false, engagement.ErrNotFound
	}
	if !workspaceState(eng.State) {
		return false, nil
	}
	if c.escrow != nil {
		result, err := c.escrow.Evaluate(ctx, eng)
		if err != nil {
			return false, err
		}
		if !result.Pass {
			return false, nil
		}
	}
	if c.nda != nil {
		result, err := c.nda.Evaluate(ctx, eng)
		if err != nil {
			return false, err
		}
		if !result.Pass {
			return false, nil
		}
	}
	return true, nil
}

// workspaceState reports whether the lifecycle state grants workspace access
// at all. The intermediate single-review state keeps the workspace open.
func workspaceState(s engagement.State) bool {
	switch s {
	case engagement.StateAccepted, engagement.StateCompleted,
		engagement.StateReviewedByOne, engagement.StateReviewed:
		return true
	default:
		return false
	}
}
