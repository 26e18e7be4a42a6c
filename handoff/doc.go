// Package handoff implements the orchestration engine that transfers
// conversation ownership between specialized agents.
//
// The Orchestrator composes an agent Registry, a Security permission
// graph, a stateless Validator, a keyword-driven SuggestionEngine and a
// conversation state Manager into manual, intelligent, hybrid, parallel
// and asynchronous handoff flows, with reversal and TTL-bound result
// caching. All collaborators are injected through the constructor; the
// package holds no global state.
//
// Failures surface as typed result values rather than errors: validation
// violations come back in a ValidationResult, and execution, authorization
// and reversal failures come back as a Result with StatusFailure. Only
// malformed construction (NewRequest) fails fast with an error.
package handoff
