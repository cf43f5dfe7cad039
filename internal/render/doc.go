// Package render defines the domain types, collaborator interfaces, and typed
// errors shared by the admission, caching, and render-dispatch subsystems.
//
// Other packages depend on render rather than on each other: the admission
// controller, worker, dispatcher, and cache manager each accept the small
// interfaces declared in interfaces.go, and concrete backends live under
// internal/storage, internal/queue, and internal/renderer.
package render
