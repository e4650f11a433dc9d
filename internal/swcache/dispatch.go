package swcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

type EventKind int

const (
	EventInstall EventKind = iota
	EventActivate
	EventIntercept
	EventPush
	EventNotificationClick
	EventSync
)

func (k EventKind) String() string {
	switch k {
	case EventInstall:
		return "install"
	case EventActivate:
		return "activate"
	case EventIntercept:
		return "intercept"
	case EventPush:
		return "push"
	case EventNotificationClick:
		return "notificationclick"
	case EventSync:
		return "sync"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type Event interface{ Kind() EventKind }

type Install struct{}
type Activate struct{}
type Intercept struct{ Request *Request }
type Push struct{ Payload []byte }
type NotificationClick struct{ ID, Action string }
type Sync struct{ Tag string }

func (Install) Kind() EventKind           { return EventInstall }
func (Activate) Kind() EventKind          { return EventActivate }
func (Intercept) Kind() EventKind         { return EventIntercept }
func (Push) Kind() EventKind              { return EventPush }
func (NotificationClick) Kind() EventKind { return EventNotificationClick }
func (Sync) Kind() EventKind              { return EventSync }

// Result carries whatever the handler of an event produced.
type Result struct {
	Response *Response
	Install  InstallResult
	Deleted  []string
	Push     PushDescriptor
	Click    ClickOutcome
	Replay   ReplayResult
	Err      error
}

type handlerFunc func(ctx context.Context, ev Event) Result

type envelope struct {
	ctx   context.Context
	ev    Event
	reply chan Result
}

// Dispatcher is the single entry point for platform events. Install and
// activate run in order on the dispatcher goroutine; every other event
// becomes its own task.
type Dispatcher struct {
	lifecycle *Lifecycle
	classify  *Classifier
	exec      *Executor
	share     *ShareHandler
	push      *PushAgent
	sync      *SyncAgent

	handlers map[EventKind]handlerFunc
	events   chan envelope
	done     chan struct{}
	tasks    sync.WaitGroup
	stopOnce sync.Once
}

type DispatcherDeps struct {
	Lifecycle  *Lifecycle
	Classifier *Classifier
	Executor   *Executor
	Share      *ShareHandler
	Push       *PushAgent
	Sync       *SyncAgent
}

func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	d := &Dispatcher{
		lifecycle: deps.Lifecycle,
		classify:  deps.Classifier,
		exec:      deps.Executor,
		share:     deps.Share,
		push:      deps.Push,
		sync:      deps.Sync,
		events:    make(chan envelope, 64),
		done:      make(chan struct{}),
	}
	d.handlers = map[EventKind]handlerFunc{
		EventInstall:           d.onInstall,
		EventActivate:          d.onActivate,
		EventIntercept:         d.onIntercept,
		EventPush:              d.onPush,
		EventNotificationClick: d.onNotificationClick,
		EventSync:              d.onSync,
	}
	return d
}

// Run processes events until ctx is done, then waits for running tasks.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.tasks.Wait()
	defer d.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-d.events:
			h, ok := d.handlers[env.ev.Kind()]
			if !ok {
				env.reply <- Result{Err: fmt.Errorf("no handler for %s", env.ev.Kind())}
				continue
			}
			switch env.ev.Kind() {
			case EventInstall, EventActivate:
				env.reply <- h(env.ctx, env.ev)
			default:
				d.tasks.Add(1)
				go func(env envelope) {
					defer d.tasks.Done()
					env.reply <- h(env.ctx, env.ev)
				}(env)
			}
		}
	}
}

func (d *Dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

// normalize turns pointer events into the value form the handlers take.
func normalize(ev Event) (Event, error) {
	switch e := ev.(type) {
	case Install, Activate, Intercept, Push, NotificationClick, Sync:
		return ev, nil
	case *Install:
		if e != nil {
			return *e, nil
		}
	case *Activate:
		if e != nil {
			return *e, nil
		}
	case *Intercept:
		if e != nil {
			return *e, nil
		}
	case *Push:
		if e != nil {
			return *e, nil
		}
	case *NotificationClick:
		if e != nil {
			return *e, nil
		}
	case *Sync:
		if e != nil {
			return *e, nil
		}
	default:
		if ev == nil {
			return nil, errors.New("nil event")
		}
		return nil, fmt.Errorf("unsupported event %T", ev)
	}
	return nil, fmt.Errorf("nil %T event", ev)
}

// Send delivers ev and waits for its result.
func (d *Dispatcher) Send(ctx context.Context, ev Event) Result {
	ev, err := normalize(ev)
	if err != nil {
		return Result{Err: err}
	}
	env := envelope{ctx: ctx, ev: ev, reply: make(chan Result, 1)}
	select {
	case d.events <- env:
	case <-d.done:
		return Result{Err: ErrClosed}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
	select {
	case r := <-env.reply:
		return r
	case <-d.done:
		return Result{Err: ErrClosed}
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	}
}

func (d *Dispatcher) Intercept(ctx context.Context, req *Request) (*Response, error) {
	r := d.Send(ctx, Intercept{Request: req})
	return r.Response, r.Err
}

func (d *Dispatcher) onInstall(ctx context.Context, _ Event) Result {
	res, err := d.lifecycle.Install(ctx)
	if err != nil {
		return Result{Err: err}
	}
	out := Result{Install: res}
	if d.lifecycle.SkipWaiting() {
		act := d.onActivate(ctx, Activate{})
		out.Deleted, out.Err = act.Deleted, act.Err
	}
	return out
}

func (d *Dispatcher) onActivate(ctx context.Context, _ Event) Result {
	deleted, err := d.lifecycle.Activate(ctx)
	return Result{Deleted: deleted, Err: err}
}

// onIntercept checks the share target first and routes everything else
// through the classifier.
func (d *Dispatcher) onIntercept(ctx context.Context, ev Event) Result {
	in, ok := ev.(Intercept)
	req := in.Request
	if !ok || req == nil || req.URL == nil {
		return Result{Err: fmt.Errorf("intercept without request")}
	}
	if d.share.Matches(req) {
		resp, err := d.share.HandleShare(ctx, req)
		return Result{Response: resp, Err: err}
	}

	var (
		resp *Response
		err  error
	)
	if !d.lifecycle.Claimed() {
		// No active generation yet: the request goes out uncontrolled.
		resp, err = d.exec.Execute(ctx, req, Decision{Strategy: StrategyPassthrough})
	} else {
		resp, err = d.exec.Execute(ctx, req, d.classify.Classify(req))
	}
	if err != nil {
		log.Printf("intercept %s: %v", req.Key(), err)
	}
	return Result{Response: resp, Err: err}
}

func (d *Dispatcher) onPush(ctx context.Context, ev Event) Result {
	p, ok := ev.(Push)
	if !ok {
		return mismatched(ev, EventPush)
	}
	desc, err := d.push.HandlePush(ctx, p.Payload)
	return Result{Push: desc, Err: err}
}

func (d *Dispatcher) onNotificationClick(ctx context.Context, ev Event) Result {
	c, ok := ev.(NotificationClick)
	if !ok {
		return mismatched(ev, EventNotificationClick)
	}
	out, err := d.push.HandleClick(ctx, c.ID, c.Action)
	return Result{Click: out, Err: err}
}

func (d *Dispatcher) onSync(ctx context.Context, ev Event) Result {
	sy, ok := ev.(Sync)
	if !ok {
		return mismatched(ev, EventSync)
	}
	res, err := d.sync.HandleSync(ctx, sy.Tag)
	return Result{Replay: res, Err: err}
}

func mismatched(ev Event, want EventKind) Result {
	return Result{Err: fmt.Errorf("%s handler got %T", want, ev)}
}
