// Package api hosts the HTTP handlers that front the VOD service.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating persistence to storage.Repository
// implementations, job submission to the transcoding pipeline, and artifact
// access to the layout manager. Dependencies are injected at construction
// time; the package does not reach for globals or singletons.
//
// Handler implementations assume upstream middleware from internal/server has
// already applied request identifiers, logging, and metrics. New routes
// should preserve that contract by leaning on the middleware guarantees
// established in the server stack.
package api
