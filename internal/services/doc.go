// Package services is the service registry of the transaction runtime.
//
// A Registry holds one slot per subsystem (transaction manager,
// synchronization registry, configuration, journal, task scheduler, resource
// loader, recoverer and two-phase-commit executor). Each slot is filled on
// first access, exactly once even under concurrent callers, and keeps the
// same instance until Clear. Slots are locked individually: recipes read
// sibling slots, for instance the journal recipe reads the configuration.
//
// The journal implementation is chosen by the configured journal kind.
// "disk" and "null" are built in; other keys are resolved against factories
// registered with WithJournal. Resolution failures are not cached.
//
// The registry is owned by the process entry point and passed to whatever
// needs it; there is no package-level instance.
package services
