package radio

import "context"

// Owner is the role that armed the outstanding radio action.
type Owner interface {
	// RadioAborted is called when the completion of the owner's action was
	// not claimed by any interface.
	RadioAborted(ctx context.Context, err error)
}

// Arbiter serialises radio actions. A role acquires it before arming the
// radio and releases it once the deferred event for that action has been
// processed, so no second action is armed while an event is in flight.
// It is used only from the run loop and is not safe for concurrent use.
type Arbiter struct {
	name  string
	owner Owner
}

// Acquire takes the radio for owner. It returns false when another action
// is outstanding.
func (a *Arbiter) Acquire(name string, owner Owner) bool {
	if a.owner != nil {
		return false
	}
	a.name = name
	a.owner = owner
	return true
}

// Release frees the radio.
func (a *Arbiter) Release() {
	a.name = ""
	a.owner = nil
}

// Busy reports whether an action is outstanding.
func (a *Arbiter) Busy() bool { return a.owner != nil }

// Holder returns the name passed to the current Acquire.
func (a *Arbiter) Holder() string { return a.name }

// Abort notifies the current owner and frees the radio.
func (a *Arbiter) Abort(ctx context.Context, err error) {
	owner := a.owner
	a.Release()
	if owner != nil {
		owner.RadioAborted(ctx, err)
	}
}
