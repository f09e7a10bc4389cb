// Package webhooks fronts provider callbacks with verification, a delivery
// ledger for dedupe.
//
// Delivery processing is driven by a claim lifecycle:
// pending/retry_ready -> processing -> processed|dead.
// A handler failure releases the claim for retry so a transient error is
// never deduped as permanently processed.
package webhooks
