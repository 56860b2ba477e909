// Package stagegraph computes downstream closures over an execution's
// requisite-stage DAG.
//
// It is deliberately stateless and pure: callers pass in the current stage
// list and get back index-free answers (dependents, downstream closures),
// keyed by author-assigned reference id rather than by live Stage records.
package stagegraph
