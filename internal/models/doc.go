// Package models defines the core domain records of the royalty engine.
//
// # Records
//
//   - Work: a creative work that earns royalties
//   - SplitAgreement: a versioned, time-ranged division of a work's revenue
//   - RevenueEvent: one accepted revenue report, identified by its fingerprint
//   - DistributionPlan: the immutable per-payee breakdown of one event
//   - PayoutInstruction: one payee transfer and its settlement status
//   - EscrowAccount: funds held for a work pending finality or a dispute
//   - LedgerEntry: one append-only audit record
//
// # Ownership
//
// The registry owns agreement lifecycle, the settlement engine owns
// instruction lifecycle and the escrow manager owns escrow accounts.
// RevenueEvent and DistributionPlan values are never mutated after they are
// stored; components share them by value.
//
// Relationships use string identifiers rather than pointers. Amounts are
// int64 minor units of the record's currency.
package models
