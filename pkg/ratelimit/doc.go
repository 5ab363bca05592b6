// Package ratelimit enforces per-user request quotas over two windows: a
// sliding one-minute window tracked by individual request timestamps and a
// fixed 24-hour window anchored at the first request of the day.
//
// Counters live in the store and every decision runs as a transactional
// read-modify-write, so concurrent requests from the same user never
// overshoot the limit. The limiter fails closed: when the store cannot
// decide, the request is rejected.
package ratelimit
