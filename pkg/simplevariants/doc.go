// Package simplevariants keeps the set of derived image variants a user has
// in line with the subscription plan attached to their account.
//
// A plan grants an Entitlement: a set of thumbnail size classes plus two
// read-time gates (access to the full-resolution original and to expiring
// binary links). The Service exposes the entry points used by the HTTP layer:
// Upload, ChangePlan, GetListing, CreateLink and ResolveLink.
//
// Reconciliation
//
// On upload the new image is reconciled against the uploader's current
// entitlement. On a plan change the account's previous entitlement is read
// from its EntitlementSnapshot, the newly granted size classes are computed
// at the value level and every image the account owns is reconciled against
// that delta, re-checking per image which sizes are actually absent. Only
// missing variants are generated; generation runs on a worker pool off the
// request path and is serialized per (image, size class), never globally.
//
// Absence is the retry queue: a variant that failed to generate is simply not
// stored, and the next reconciliation pass submits it again.
//
// Storage
//
// Repositories (memory, Postgres) and blob stores (memory, filesystem, S3)
// live in subpackages and are wired with functional options, see New.
package simplevariants
