// Package ingest reconciles tabular files changed by a commit into a target
// table.
//
// The package holds the domain logic only. Credentials, the source-control
// system and the analytical store are reached through the narrow
// [CredentialProvider], [SourceOpener]/[SourceReader] and [Store] interfaces,
// so the pipeline runs unchanged against GitHub and Postgres in production
// and against in-memory fakes in tests.
//
// # Pipeline
//
// [Orchestrator.Run] processes one commit:
//
//  1. Obtain a bearer token and open the source ([AuthError] or
//     [SourceFetchError] abort the run)
//  2. List changed files and keep those with the configured extension
//  3. For each file: fetch, [Parse], stage into a fresh staging table,
//     merge into the target with [Reconciler.Merge], drop the staging table
//
// Each file moves through Discovered → Parsed → Staged → Merged → CleanedUp.
// A file with no valid rows goes straight from Parsed to CleanedUp with
// status skipped and never touches the store.
//
// # Staging
//
// [StagingManager.WithStagingArea] owns the create/load/merge/drop sequence.
// The staging table name is random (staging_<hex>), never derived from the
// file, and the drop runs on every exit path on a context that outlives
// cancellation of the run.
//
// # Errors
//
// Malformed rows are excluded individually and reported as [RejectedRow].
// [StagingCreateError], [StagingLoadError] and [MergeError] fail one file.
// [CleanupError] is logged and kept on the outcome but never changes its
// status. [Describe] maps any of them to a support code.
package ingest
