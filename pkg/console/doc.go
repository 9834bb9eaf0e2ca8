// Package console is the boundary used by the super-admin management console
// to change the grant ledger.
//
// Every change is checked with the resolution engine's level rules, written to
// the ledger, followed by a decision-cache purge and recorded in the audit
// trail. Refusals return a *ForbiddenError that matches ErrForbidden.
package console
