// Package webhook receives and processes payment provider webhook events.
//
// The processor verifies each delivery, records it in a persistent event
// log for exactly-once processing, and dispatches it to a registered
// handler. The returned HTTP status drives the provider's redelivery
// behavior: a 2xx acknowledges the event, a 5xx asks for another attempt,
// and a 4xx rejects the delivery as invalid.
//
// Ordering is never assumed. Handlers must tolerate duplicates and
// out-of-order arrival; the event log only guarantees that one logical
// event is fully processed at most once.
package webhook
