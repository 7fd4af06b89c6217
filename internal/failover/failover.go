// Package failover tracks a set of equivalent network addresses for one
// logical endpoint.
//
// [Addresses] only records which address is current and whether the last
// attempt succeeded. The retry protocol (try the current address, advance on
// failure, stop after one full loop) is driven by the owner.
package failover

// Addresses is an ordered, circular list of equivalent endpoint addresses.
//
// Addresses is not safe for concurrent use. It is owned by exactly one probe
// and mutated from the scheduling goroutine only.
type Addresses struct {
	addresses []string
	current   int
	healthy   bool
}

// New returns an [Addresses] over a copy of addresses, starting at the first
// address and marked healthy.
func New(addresses []string) *Addresses {
	return &Addresses{
		addresses: append([]string(nil), addresses...),
		healthy:   true,
	}
}

// Current returns the address currently in use.
// The boolean is false only if the address list is empty.
func (a *Addresses) Current() (string, bool) {
	if len(a.addresses) == 0 {
		return "", false
	}
	return a.addresses[a.current], true
}

// Advance moves to the next address, wrapping to the first one after the last.
func (a *Addresses) Advance() {
	if len(a.addresses) == 0 {
		return
	}
	a.current = (a.current + 1) % len(a.addresses)
}

// Index returns the position of the current address.
func (a *Addresses) Index() int {
	return a.current
}

// Len returns the number of addresses.
func (a *Addresses) Len() int {
	return len(a.addresses)
}

// Addresses returns a copy of the address list in its original order.
func (a *Addresses) Addresses() []string {
	return append([]string(nil), a.addresses...)
}

// Healthy reports whether the most recent attempt sequence succeeded.
func (a *Addresses) Healthy() bool {
	return a.healthy
}

// SetHealthy records the outcome of the most recent attempt.
func (a *Addresses) SetHealthy(healthy bool) {
	a.healthy = healthy
}
