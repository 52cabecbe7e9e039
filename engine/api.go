package engine

import (
	"context"
)

// The methods below are what the ScreenSaver and control services call.
// Each one is a request event processed by the reactor like any other.

func (r *Reactor) Inhibit(ctx context.Context, appName, reason, owner string) (uint32, error) {
	reply := make(chan inhibitReply, 1)
	if err := r.Send(ctx, inhibitRequest{appName: appName, reason: reason, owner: owner, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case res := <-reply:
		return res.cookie, res.err
	case <-r.done:
		return 0, ErrStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (r *Reactor) UnInhibit(ctx context.Context, cookie uint32) error {
	done := make(chan struct{})
	if err := r.Send(ctx, unInhibitRequest{cookie: cookie, done: done}); err != nil {
		return err
	}
	return r.await(ctx, done)
}

func (r *Reactor) OwnerDisconnected(ctx context.Context, owner string) error {
	done := make(chan struct{})
	if err := r.Send(ctx, ownerDisconnected{owner: owner, done: done}); err != nil {
		return err
	}
	return r.await(ctx, done)
}

func (r *Reactor) RequestLock(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.Send(ctx, lockRequest{done: done}); err != nil {
		return err
	}
	return r.await(ctx, done)
}

func (r *Reactor) SimulateActivity(ctx context.Context) error {
	done := make(chan struct{})
	if err := r.Send(ctx, activityRequest{done: done}); err != nil {
		return err
	}
	return r.await(ctx, done)
}

func (r *Reactor) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := r.Send(ctx, statusRequest{reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-r.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// GetActive and GetActiveSeconds read the published lock snapshot and
// never wait for the reactor.
func (r *Reactor) GetActive() bool {
	return r.published.Get().Active()
}

func (r *Reactor) GetActiveSeconds() uint32 {
	return r.published.Get().ActiveSeconds(r.now())
}

func (r *Reactor) await(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
