package resilience

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrSystemicFailure is returned when a call is preemptively skipped
// because its signature already failed too many times. A best-effort
// statistical heuristic, not a guarantee.
var ErrSystemicFailure = eris.New("systemic failure pattern, call skipped")

// ErrorBucket counts failures sharing one normalized signature.
type ErrorBucket struct {
	Signature string    `json:"signature"`
	Count     int       `json:"count"`
	Sample    string    `json:"sample"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ErrorAggregator buckets normalized error signatures to detect systemic
// failure patterns independent of the per-source circuit breakers: many
// distinct dead URLs under one dead path collapse into one signature, and
// once that signature reaches the threshold further matching calls are
// skipped without being attempted. Process-lifetime only.
type ErrorAggregator struct {
	threshold int

	mu      sync.Mutex
	buckets map[string]*ErrorBucket

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// DefaultAggregatorThreshold is how many failures a signature accumulates
// before matching calls are skipped.
const DefaultAggregatorThreshold = 5

// NewErrorAggregator creates an aggregator with the given skip threshold.
func NewErrorAggregator(threshold int) *ErrorAggregator {
	if threshold <= 0 {
		threshold = DefaultAggregatorThreshold
	}
	return &ErrorAggregator{
		threshold: threshold,
		buckets:   make(map[string]*ErrorBucket),
		nowFunc:   time.Now,
	}
}

// Signature normalizes a call target into a bucket key. URLs collapse to
// scheme+host+the first two path segments, so many dead listing pages under
// one dead prefix share one signature. Non-URL targets collapse to their
// lowercased, whitespace-folded form.
func Signature(target string) string {
	u, err := url.Parse(target)
	if err == nil && u.Scheme != "" && u.Host != "" {
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segs) > 2 {
			segs = segs[:2]
		}
		path := strings.Join(segs, "/")
		if path != "" {
			return u.Scheme + "://" + u.Host + "/" + path
		}
		return u.Scheme + "://" + u.Host
	}
	return strings.Join(strings.Fields(strings.ToLower(target)), " ")
}

// Record adds one failure under the target's signature.
func (a *ErrorAggregator) Record(target string, err error) {
	if err == nil {
		return
	}
	sig := Signature(target)
	now := a.nowFunc().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buckets[sig]
	if !ok {
		b = &ErrorBucket{Signature: sig, FirstSeen: now}
		a.buckets[sig] = b
	}
	b.Count++
	b.Sample = err.Error()
	b.LastSeen = now
}

// ShouldSkip reports whether the target's signature has already failed at
// least threshold times.
func (a *ErrorAggregator) ShouldSkip(target string) bool {
	sig := Signature(target)
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buckets[sig]
	return ok && b.Count >= a.threshold
}

// TopOffenders returns the n largest buckets, most failures first.
func (a *ErrorAggregator) TopOffenders(n int) []ErrorBucket {
	a.mu.Lock()
	offenders := make([]ErrorBucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		offenders = append(offenders, *b)
	}
	a.mu.Unlock()

	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Count != offenders[j].Count {
			return offenders[i].Count > offenders[j].Count
		}
		return offenders[i].Signature < offenders[j].Signature
	})
	if n > 0 && len(offenders) > n {
		offenders = offenders[:n]
	}
	return offenders
}
