// Package usage tracks per-provider call and token consumption.
//
// The Tracker keeps day and month buckets per provider, mirrored in memory
// and persisted through the usage store so counters survive restarts. The
// Router consults Allow before dispatch: a provider over any limit is
// treated as unreachable for that call, which lets the fallback chain absorb
// quota exhaustion instead of hard-failing the task.
//
// Crossing the alert threshold (default 80% of a limit) raises one Alert per
// provider, bucket, and limit kind; the usage endpoint serves the recent
// alert ring alongside the counters.
package usage
