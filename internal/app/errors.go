package app

import "errors"

var (
	// ErrNoDirectory means every configured directory host failed this cycle.
	ErrNoDirectory = errors.New("no directory server reachable")
	// ErrNotJoined is returned by operations that need network membership.
	ErrNotJoined = errors.New("not joined to the network")
	// ErrAddressChanged means the directory saw us from a new address; the
	// registration is gone and the node must join again.
	ErrAddressChanged = errors.New("address changed since registration")
	// ErrNoKey is returned by Publish when no delegated key is held.
	ErrNoKey = errors.New("no signing key held")
)
