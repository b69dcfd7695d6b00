package pools

import "context"

type ledgerCallKey struct{}

// enterLedger marks ctx as running inside a ledger operation. Collaborators
// receive the marked context, so a callback into the ledger is detected
// before it can wait on the pool lock it already holds.
func enterLedger(ctx context.Context) (context.Context, error) {
	if ctx.Value(ledgerCallKey{}) != nil {
		return ctx, ErrReentrantCall
	}
	return context.WithValue(ctx, ledgerCallKey{}, struct{}{}), nil
}
