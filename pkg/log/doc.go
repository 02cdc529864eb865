// Package log wraps zerolog for structured, component-attributed logging
// shared by the Manager and Worker processes.
//
// Init configures the package-level Logger's level and console-vs-JSON
// output once at process startup. WithComponent, WithWorkerID and
// WithTaskID return child loggers with one extra bound field, so every
// subsystem logs under its own name instead of through the bare global
// logger. Info/Debug/Warn/Error/Fatal are thin convenience wrappers over
// the global Logger for call sites that don't need a bound field.
package log
