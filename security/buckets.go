package security

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Named rate-limit buckets
const (
	BucketAuth     = "auth"
	BucketAPI      = "api"
	BucketTaskCRUD = "task_crud"

	// DefaultBucket is used for any bucket name not present in a table
	DefaultBucket = BucketAPI
)

// Bucket is a rate-limit policy: at most MaxRequests per Window
type Bucket struct {
	MaxRequests int
	Window      time.Duration
}

func (b Bucket) String() string {
	return fmt.Sprintf("%d/%s", b.MaxRequests, b.Window)
}

// BucketTable maps bucket names to policies.
type BucketTable map[string]Bucket

// DefaultBuckets returns the built-in bucket table
func DefaultBuckets() BucketTable {
	return BucketTable{
		BucketAuth:     {MaxRequests: 5, Window: 300 * time.Second},
		BucketAPI:      {MaxRequests: 100, Window: 3600 * time.Second},
		BucketTaskCRUD: {MaxRequests: 50, Window: 600 * time.Second},
	}
}

// Resolve returns the effective bucket name and policy for name.
// Unknown names fall back to DefaultBucket; if the table lacks it as well
// the built-in api policy is used.
func (t BucketTable) Resolve(name string) (string, Bucket) {
	if b, ok := t[name]; ok {
		return name, b
	}
	if b, ok := t[DefaultBucket]; ok {
		return DefaultBucket, b
	}
	return DefaultBucket, DefaultBuckets()[DefaultBucket]
}

// Validate checks every policy in the table
func (t BucketTable) Validate() error {
	for name, b := range t {
		if name == "" {
			return fmt.Errorf("bucket name must not be empty")
		}
		if b.MaxRequests <= 0 {
			return fmt.Errorf("bucket %q: max requests must be positive, got %d", name, b.MaxRequests)
		}
		if b.Window <= 0 {
			return fmt.Errorf("bucket %q: window must be positive, got %s", name, b.Window)
		}
	}
	return nil
}

// Merge returns a copy of t with every entry of overrides applied on top
func (t BucketTable) Merge(overrides BucketTable) BucketTable {
	out := make(BucketTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// String renders the table in the format accepted by ParseBucketTable, sorted by name
func (t BucketTable) String() string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+t[name].String())
	}
	return strings.Join(parts, ",")
}

// ParseBucketTable parses "name=max/window" pairs separated by commas,
// e.g. "auth=5/300s,api=100/1h". A bare integer window is read as seconds.
func ParseBucketTable(s string) (BucketTable, error) {
	t := BucketTable{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, b, err := parsePolicy(part)
		if err != nil {
			return nil, err
		}
		t[name] = b
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// parsePolicy parses a single "name=count/window" entry
func parsePolicy(part string) (string, Bucket, error) {
	name, policy, ok := strings.Cut(part, "=")
	if !ok {
		return "", Bucket{}, fmt.Errorf("invalid entry %q: expected name=count/window", part)
	}
	name = strings.TrimSpace(name)

	countStr, windowStr, ok := strings.Cut(policy, "/")
	if !ok {
		return "", Bucket{}, fmt.Errorf("invalid entry %q: expected name=count/window", part)
	}

	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil {
		return "", Bucket{}, fmt.Errorf("invalid count in %q: %w", part, err)
	}

	window, err := parseWindow(strings.TrimSpace(windowStr))
	if err != nil {
		return "", Bucket{}, fmt.Errorf("invalid window in %q: %w", part, err)
	}

	return name, Bucket{MaxRequests: count, Window: window}, nil
}

func parseWindow(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// AllowBucket checks key against the named bucket of table.
// Keys are namespaced per bucket so that one caller's auth and api traffic
// are counted separately. It returns the resolved bucket name and policy.
func (l *SlidingWindowLimiter) AllowBucket(table BucketTable, bucket, key string) (bool, string, Bucket) {
	name, b := table.Resolve(bucket)
	return l.Allow(BucketKey(name, key), b.MaxRequests, b.Window), name, b
}

// BucketKey returns the limiter key used for key inside bucket
func BucketKey(bucket, key string) string {
	return bucket + ":" + key
}
