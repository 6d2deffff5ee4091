package ledger

import "sort"

// RefKind tags which kind of record an operation touched.
type RefKind uint8

const (
	RefBalance RefKind = iota
	RefCustody
	RefBatch
	RefProposal
	RefRequest
	RefFeeState
	RefHolding
)

// Ref identifies a touched record for persistence.
type Ref struct {
	Kind RefKind
	Key  string
}

// Tx scopes a single operation. Every mutation registers an undo closure;
// on any error the caller rolls back, restoring prior state exactly.
// A Tx is not safe for concurrent use.
type Tx struct {
	undo     []func()
	journals []Journal
	touched  map[Ref]struct{}
	done     bool
}

func NewTx() *Tx {
	return &Tx{touched: make(map[Ref]struct{})}
}

// Defer registers fn to run on rollback.
func (tx *Tx) Defer(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// Record appends a journal entry produced by this operation.
func (tx *Tx) Record(j Journal) {
	tx.journals = append(tx.journals, j)
	n := len(tx.journals)
	tx.Defer(func() { tx.journals = tx.journals[:n-1] })
}

// Touch marks a record as modified.
func (tx *Tx) Touch(kind RefKind, key string) {
	tx.touched[Ref{Kind: kind, Key: key}] = struct{}{}
}

// Rollback undoes every mutation in reverse order.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.journals = nil
	tx.touched = make(map[Ref]struct{})
	tx.done = true
}

// Commit discards undo state and returns the journals recorded.
func (tx *Tx) Commit() []Journal {
	tx.undo = nil
	tx.done = true
	return tx.journals
}

// Journals returns the entries recorded so far.
func (tx *Tx) Journals() []Journal {
	return tx.journals
}

// Touched returns the modified records in a stable order.
func (tx *Tx) Touched() []Ref {
	refs := make([]Ref, 0, len(tx.touched))
	for r := range tx.touched {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].Key < refs[j].Key
	})
	return refs
}
