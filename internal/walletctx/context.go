// Package walletctx holds the process-wide current-wallet and bearer-token
// state that scopes every event-store and projection operation. Per the
// source system's REDESIGN FLAGS, this is an explicit struct passed to
// constructors rather than a package-level singleton — tests inject their
// own Context instead of mutating global state.
package walletctx

import "sync"

// Context is the process-wide wallet/auth holder. The zero value has no
// current wallet and no token; all event-store and projection operations
// on it return empty results until SetWallet is called.
type Context struct {
	mu            sync.RWMutex
	walletID      string
	token         string
	onWalletReset func(newWalletID string)
}

// New returns an empty Context. onWalletReset, if non-nil, is invoked after
// the wallet id changes — the sync engine uses it to clear the last-sync
// watermark so the next pull does a full fetch for the new partition.
func New(onWalletReset func(newWalletID string)) *Context {
	return &Context{onWalletReset: onWalletReset}
}

// WalletID returns the current wallet id, or "" if none is set.
func (c *Context) WalletID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.walletID
}

// HasWallet reports whether a current wallet is set.
func (c *Context) HasWallet() bool {
	return c.WalletID() != ""
}

// SetWallet sets the current wallet id and clears the last-sync watermark
// via the registered callback, per spec.md §4.8.
func (c *Context) SetWallet(walletID string) {
	c.mu.Lock()
	c.walletID = walletID
	c.mu.Unlock()

	if c.onWalletReset != nil {
		c.onWalletReset(walletID)
	}
}

// SetOnWalletReset (re)registers the wallet-change callback. Used during
// startup wiring, when the sync engine (which needs to clear its watermark
// on wallet change) is constructed after the Context it depends on.
func (c *Context) SetOnWalletReset(fn func(newWalletID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWalletReset = fn
}

// Token returns the current bearer token, or "" if none is set.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken sets the current bearer token.
func (c *Context) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}
