// Package core defines the domain model of the alert engine.
//
// # Overview
//
// The core package provides:
//   - Configuration records (Rule, Policy, Provider) and their validation
//   - The Event record consumed by the evaluator
//   - The Alert record and its lifecycle state machine
//   - Shared infrastructure types (CircuitBreaker, error taxonomy)
//
// Records are validated at the configuration boundary. Anything that fails
// validation is rejected with a *ValidationError and never reaches the
// evaluator's active set.
//
// # Design Principles
//
//  1. Interfaces are defined where they are consumed, not here
//  2. Rule definitions are a closed sum type (SimpleRule | CompoundRule)
//  3. Provider configuration is a tagged variant validated per type
//  4. Alert status changes only through the transition table
package core
