package ledger

// EntryHooks provides structured callbacks for ledger commits. Hooks run
// synchronously on the committing goroutine after the commit lock is
// released; they must not call back into the engine's write operations.
type EntryHooks struct {
	// OnTransaction is called once per committed transaction.
	OnTransaction func(tx *Transaction)

	// OnEntry is called for each entry of a committed transaction, in
	// entry order.
	OnEntry func(e *Entry)

	// OnCheckpoint is called after a checkpoint is created.
	OnCheckpoint func(cp *Checkpoint)
}

// publishTransaction fires the transaction hooks for a committed tx.
func (e *Engine) publishTransaction(tx *Transaction) {
	hooks := e.hooks
	if hooks == nil {
		return
	}
	if hooks.OnTransaction != nil {
		hooks.OnTransaction(tx.clone())
	}
	if hooks.OnEntry != nil {
		for _, entry := range tx.Entries {
			hooks.OnEntry(entry.clone())
		}
	}
}

// publishCheckpoint fires the checkpoint hook.
func (e *Engine) publishCheckpoint(cp *Checkpoint) {
	if e.hooks != nil && e.hooks.OnCheckpoint != nil {
		e.hooks.OnCheckpoint(cp)
	}
}
