// Package store provides the multi-tenant entity pipeline of canopy.
//
// A [Store] serves one logical entity described by a [schema.Schema]. Every
// operation resolves a tenant-scoped adapter through a [pool.Manager], then
// runs a fixed sequence of steps around the physical adapter call.
//
// # Reads
//
// Find, FindOne, Count, Stream and Resolve run:
//
//	sanitize -> scopes -> translate -> acquire -> adapter -> transform
//
// Sanitization normalizes [Params]: list fields become trimmed slices and
// pagination becomes a limit and offset capped at [Config.MaxLimit]. Scopes
// come from a [scope.Resolver] configured with [WithScopes]. Field names are
// translated to physical columns by the schema.
//
// # Writes
//
// Create, CreateMany, Update, UpdateMany, Replace, Remove, RemoveMany and
// Clear run:
//
//	acquire -> validate -> adapter -> transform -> notify
//
// Update, Replace and Remove first resolve the existing entity and fail with
// [ErrNotFound] when it does not exist. An update whose body is empty once
// identifier fields are stripped performs no write and emits no change.
//
// # Identifiers
//
// When the schema's primary field is secure, identifiers in [Params] are
// decoded before they reach storage and identifiers leaving the store are
// encoded. [Options.SkipDecode] disables decoding for one call.
//
// # Batches
//
// CreateMany validates elements concurrently and inserts them with the
// adapter's InsertMany, which is atomic for every adapter shipped with canopy.
// UpdateMany and RemoveMany run the single-entity flow per match concurrently
// and are never atomic: the first failure aborts the batch and earlier writes
// stay applied.
//
// # Errors
//
//   - [ErrMissingIdentifier] - an identifier was required but absent
//   - [ErrNotFound] - the entity does not exist (strict resolve, update, replace, remove)
//   - [ErrValidationFailed] - matched by [ValidationError] returned from a validator
//   - [ErrConnectFailed] - the tenant adapter could not connect
//
// Adapter errors are returned unchanged.
package store
