// Package trialsentry runs the scheduled trial lifecycle job: it reminds
// parents shortly before a trial ends and transitions expired trials out
// of access.
//
// The job is safe to run repeatedly and concurrently with webhook
// processing. Notification flags on the trial index make each reminder and
// each expiry fire once per effective deadline, and the notification queue
// deduplicates intents enqueued by a crashed run that never wrote its
// flag.
package trialsentry
