package domain

// Action identifies the kind of primitive mutation a single journal
// Entry records (spec.md §4.3, mirrors drivers/of/transaction.c's
// of_reconfig_action).
type Action int

const (
	ActionAttachNode Action = iota
	ActionDetachNode
	ActionAddProperty
	ActionRemoveProperty
	ActionUpdateProperty
)

// TxState is the transaction state machine of spec.md §4.3:
//
//	Ready -> InProgress -> (Applying | Aborted)
//	Applying -> Applied | (failure -> Ready, after automatic rollback)
//	Applied -> Reverting -> Ready
//	any state except Applying|Reverting -> Destroyed
//
// Aborting a transaction keeps its journal; Destroy (which callers run
// after Abort) is what discards it.
type TxState int

const (
	TxReady TxState = iota
	TxInProgress
	TxApplying
	TxAborted
	TxApplied
	TxReverting
	TxDestroyed
)

func (s TxState) String() string {
	switch s {
	case TxReady:
		return "ready"
	case TxInProgress:
		return "in-progress"
	case TxApplying:
		return "applying"
	case TxAborted:
		return "aborted"
	case TxApplied:
		return "applied"
	case TxReverting:
		return "reverting"
	case TxDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Entry is one recorded step of a transaction's journal. It carries
// everything needed to both apply the primitive change and, later,
// invert it: the target Node, for property actions the Property
// itself, and for update actions the property's prior value.
//
// Entries are appended strictly in caller order and applied/reverted
// in that same order forwards, and in reverse order backwards
// (drivers/of/transaction.c: of_transaction_apply / of_transaction_revert).
type Entry struct {
	Action Action

	Node *Node

	// For node actions, NewParent is the attach point (ActionAttachNode)
	// or OldParent is where the node is reattached on revert
	// (ActionDetachNode).
	NewParent *Node
	OldParent *Node

	// For property actions. OldProperty is populated by the Transaction
	// Log during apply, for ActionUpdateProperty only: it is the
	// property Property displaced onto the dead-property list, the same
	// pointer a revert must find there and reinstall (spec.md Q1).
	Property    *Property
	OldProperty *Property

	applied bool
}
