// Package core contains the entity persistence contracts and the logic that
// sits between domain entities and a transactional record engine: adapters,
// conflict resolution, change events and change-log reads. Engine and store
// implementations depend on this package; core must not depend on them.
package core
