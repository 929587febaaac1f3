// Package crawler defines the types and interfaces shared by the harvesting
// subsystems: intercepted exchanges, category outcomes, and the catalog, lock,
// and browser capabilities the engine depends on.
package crawler
