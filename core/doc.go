// Package core holds the payment lifecycle: transaction entities, the
// outcome mapping shared by callbacks and status queries, the service that
// drives pushes, and the contracts adapters implement. Provider, storage and
// transport packages depend on core; core depends on none of them.
package core
