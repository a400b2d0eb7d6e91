// Package resolver contains the dependency resolver core for the pipeline.
// It inspects a pipeline definition, instantiates steps from the registry,
// and evaluates per-pair dependency readiness for the workflow engine.
package resolver
