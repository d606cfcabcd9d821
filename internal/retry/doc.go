// Package retry wraps one logical network operation with bounded attempts,
// failure classification, jittered backoff, and proxy rotation.
//
// Classification drives the reaction to each failed attempt:
//   - ProxyFailure: invalidate the proxy, acquire a replacement, retry at once.
//   - TransientNetworkFault: sleep BaseDelay+jitter, retry on the same proxy.
//   - PayloadCorruption: as transient, but logged at error level since it
//     often indicates a block page.
//   - UpstreamSoftFailure: non-2xx responses; retried like transient faults
//     on both the listing and item paths.
//   - Fatal: cancellation or Permanent errors; returned immediately.
//
// Execute never returns an error; callers inspect the Outcome.
package retry
