// Package permissions answers "may the dashboard identity do this" with cached
// SelfSubjectAccessReviews. The runtime uses it to decide which watches and which
// metrics calls are worth starting.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	authorizationv1 "k8s.io/api/authorization/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/luxury-yacht/dashboard/backend/internal/config"
	"github.com/luxury-yacht/dashboard/backend/internal/parallel"
)

// ReviewFunc performs one access review for group/resource/verb.
type ReviewFunc func(ctx context.Context, group, resource, verb string) (bool, error)

// DecisionSource describes how a decision was obtained.
type DecisionSource string

const (
	DecisionSourceCache    DecisionSource = "cache"
	DecisionSourceFresh    DecisionSource = "fresh"
	DecisionSourceFallback DecisionSource = "fallback"
)

// Decision is the outcome of Can.
type Decision struct {
	Allowed   bool
	Source    DecisionSource
	CachedAt  time.Time
	ExpiresAt time.Time
}

type entry struct {
	allowed   bool
	cachedAt  time.Time
	expiresAt time.Time
}

// Checker caches access review decisions for one cluster context.
type Checker struct {
	context string
	ttl     time.Duration
	review  ReviewFunc
	now     func() time.Time

	mu       sync.RWMutex
	cache    map[string]entry
	inflight singleflight.Group
}

// NewChecker builds a checker that reviews through client.
func NewChecker(client kubernetes.Interface, contextName string, ttl time.Duration) *Checker {
	return NewCheckerWithReview(contextName, ttl, func(ctx context.Context, group, resource, verb string) (bool, error) {
		if client == nil {
			return false, errors.New("kubernetes client not initialised")
		}
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, config.PermissionCheckTimeout)
			defer cancel()
		}
		review := &authorizationv1.SelfSubjectAccessReview{
			Spec: authorizationv1.SelfSubjectAccessReviewSpec{
				ResourceAttributes: &authorizationv1.ResourceAttributes{
					Group:    group,
					Resource: resource,
					Verb:     verb,
				},
			},
		}
		resp, err := client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
		if err != nil {
			return false, err
		}
		return resp.Status.Allowed, nil
	})
}

// NewCheckerWithReview builds a checker around a custom review function.
func NewCheckerWithReview(contextName string, ttl time.Duration, review ReviewFunc) *Checker {
	if ttl <= 0 {
		ttl = config.PermissionCacheTTL
	}
	if review == nil {
		review = func(context.Context, string, string, string) (bool, error) {
			return false, errors.New("permission review not configured")
		}
	}
	return &Checker{
		context: strings.TrimSpace(contextName),
		ttl:     ttl,
		review:  review,
		now:     time.Now,
		cache:   make(map[string]entry),
	}
}

// Can reviews a verb on group/resource. A fresh decision is cached for the TTL; a
// transient failure falls back to an expired cached decision when there is one.
func (c *Checker) Can(ctx context.Context, group, resource, verb string) (Decision, error) {
	if c == nil {
		return Decision{}, errors.New("permission checker not initialised")
	}
	group, resource, verb = strings.TrimSpace(group), strings.TrimSpace(resource), strings.TrimSpace(verb)
	if resource == "" || verb == "" {
		return Decision{}, errors.New("permission check requires resource and verb")
	}
	key := c.key(group, resource, verb)
	now := c.now()

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && !now.After(cached.expiresAt) {
		return decision(cached, DecisionSourceCache), nil
	}

	type result struct {
		allowed bool
		err     error
	}
	value, _, _ := c.inflight.Do(key, func() (interface{}, error) {
		allowed, err := c.review(ctx, group, resource, verb)
		return result{allowed: allowed, err: err}, nil
	})
	res := value.(result)
	if res.err == nil {
		fresh := entry{allowed: res.allowed, cachedAt: now, expiresAt: now.Add(c.ttl)}
		c.mu.Lock()
		c.cache[key] = fresh
		c.mu.Unlock()
		return decision(fresh, DecisionSourceFresh), nil
	}
	if ok && isTransient(res.err) {
		return decision(cached, DecisionSourceFallback), nil
	}
	return Decision{}, res.err
}

func decision(e entry, source DecisionSource) Decision {
	return Decision{Allowed: e.allowed, Source: source, CachedAt: e.cachedAt, ExpiresAt: e.expiresAt}
}

func (c *Checker) key(group, resource, verb string) string {
	key := group + "/" + resource + "/" + verb
	if c.context == "" {
		return key
	}
	return c.context + "|" + key
}

// CanListWatch reports whether both list and watch are allowed. The error is set when
// either review could not be answered, in which case the result is unknown.
func (c *Checker) CanListWatch(ctx context.Context, group, resource string) (bool, error) {
	for _, verb := range []string{"list", "watch"} {
		d, err := c.Can(ctx, group, resource, verb)
		if err != nil {
			return false, err
		}
		if !d.Allowed {
			return false, nil
		}
	}
	return true, nil
}

// Check names one list/watch requirement.
type Check struct {
	Name     string
	Group    string
	Resource string
	// ListOnly skips the watch review.
	ListOnly bool
}

// Result is the preflight outcome for one Check. Err is set when the review itself failed.
type Result struct {
	Check   Check
	Allowed bool
	Err     error
}

// Denied reports whether the identity is known to lack the permission.
func (r Result) Denied() bool {
	return r.Err == nil && !r.Allowed
}

// Preflight runs every check concurrently and returns the results in input order.
func (c *Checker) Preflight(ctx context.Context, checks []Check) []Result {
	results := make([]Result, len(checks))
	indexes := make([]int, len(checks))
	for i := range indexes {
		indexes[i] = i
	}
	_ = parallel.ForEach(ctx, indexes, config.PermissionPreflightWorkers, func(ctx context.Context, i int) error {
		check := checks[i]
		res := Result{Check: check}
		if check.ListOnly {
			d, err := c.Can(ctx, check.Group, check.Resource, "list")
			res.Allowed, res.Err = d.Allowed, err
		} else {
			res.Allowed, res.Err = c.CanListWatch(ctx, check.Group, check.Resource)
		}
		if res.Err != nil {
			res.Err = fmt.Errorf("review %s: %w", check.Name, res.Err)
		}
		results[i] = res
		return nil
	})
	return results
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return apierrors.IsTooManyRequests(err) || apierrors.IsTimeout(err) || apierrors.IsServerTimeout(err)
}
