package keyexchange

// State tracks how far a (local identity, peer identity) pair has progressed
// through the exchange. Transitions only move forward; a failed step leaves
// the pair at its last completed stage so the whole operation can be retried.
type State int

const (
	StateNoKey State = iota
	StateLocalKeyReady
	StatePublicKeySent
	StateSharedSecretDerived
)

func (s State) String() string {
	switch s {
	case StateNoKey:
		return "no_key"
	case StateLocalKeyReady:
		return "local_key_ready"
	case StatePublicKeySent:
		return "public_key_sent"
	case StateSharedSecretDerived:
		return "shared_secret_derived"
	default:
		return "unknown"
	}
}

// advance keeps the per-pair state monotonic.
func advance(current, next State) State {
	if next > current {
		return next
	}
	return current
}
