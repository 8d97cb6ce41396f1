// Package comepos implements a client for the COMEPOS building telemetry
// platform (Vesta Energy).
//
// # Architecture
//
// The library is structured into several key packages:
//   - vesta: authenticated HTTP client for the vendor endpoints
//   - store: local SQLite cache for catalogs and reading series
//   - series: ordered time series table with merge and resampling
//   - config (public): construction parameters and tunables
//   - buildingdb (public): database handle, building and sensor access
//
// Key Features
//
//   - Incremental refresh:
//     Each sensor's cache entry carries a watermark (the newest cached
//     timestamp); refresh operations only fetch readings past it.
//
//   - Large histories:
//     Histories beyond the vendor's per-request row limit are downloaded
//     in time slices, with progress reported through a callback.
//
//   - Resilience:
//     Transient transport failures are retried with bounded exponential
//     backoff; corrupt cache entries are dropped and rebuilt on the next
//     access.
//
// For more information about specific packages, see their respective
// documentation.
package comepos
