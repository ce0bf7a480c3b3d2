package actors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	loggingpkg "github.com/drblury/outrigger/internal/runtime/logging"
	"github.com/drblury/outrigger/internal/runtime/state"
)

// MetadataForwarded marks a call another host already routed here.
const MetadataForwarded = "outrigger-actor-forwarded"

const (
	DefaultIdleTimeout  = time.Hour
	DefaultScanInterval = 30 * time.Second
	DefaultTurnTimeout  = time.Minute
	defaultMailboxSize  = 64
)

// Config wires a Runtime.
type Config struct {
	AppID string
	// Store holds actor state and reminders. It must be transactional.
	Store     state.Store
	StoreName string
	Invoker   Invoker
	// Types lists the actor types hosted here. Empty accepts every type.
	Types []string

	IdleTimeout  time.Duration
	ScanInterval time.Duration
	TurnTimeout  time.Duration
	MailboxSize  int

	// Placement spreads actors over several hosts; nil keeps every actor
	// local. Forwarder is required with a multi-host placement.
	Placement *Placement
	Forwarder Forwarder

	Logger loggingpkg.ServiceLogger
}

// Runtime activates actors and runs their turns.
type Runtime struct {
	cfg    Config
	store  state.Store
	tx     state.TransactionalStore
	logger loggingpkg.ServiceLogger
	now    func() time.Time
	types  map[string]bool

	mu       sync.Mutex
	active   map[Ref]*activation
	retiring map[Ref]chan struct{}
	stopped  bool

	remMu     sync.Mutex
	scheduled map[string]context.CancelFunc

	rootCtx    context.Context
	rootCancel context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// binder lets an in-process invoker read committed state.
type binder interface {
	bind(rt *Runtime)
}

func NewRuntime(cfg Config) (*Runtime, error) {
	var errs []error
	if cfg.AppID == "" {
		errs = append(errs, errspkg.ErrAppIDRequired)
	}
	if cfg.Invoker == nil {
		errs = append(errs, errors.New("actors: invoker is required"))
	}
	if cfg.Store == nil {
		errs = append(errs, errors.New("actors: state store is required"))
	}
	tx, ok := cfg.Store.(state.TransactionalStore)
	if cfg.Store != nil && !ok {
		errs = append(errs, fmt.Errorf("actors: state store %q must support transactions", cfg.StoreName))
	}
	if cfg.Placement != nil && len(cfg.Placement.Hosts()) > 1 && cfg.Forwarder == nil {
		errs = append(errs, errors.New("actors: forwarder is required with more than one placement host"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if len(cfg.Types) == 0 {
		if typed, ok := cfg.Invoker.(interface{ Types() []string }); ok {
			cfg.Types = typed.Types()
		}
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:        cfg,
		store:      cfg.Store,
		tx:         tx,
		logger:     loggingpkg.OrDiscard(cfg.Logger).With(loggingpkg.LogFields{"component": "actors"}),
		now:        time.Now,
		types:      make(map[string]bool, len(cfg.Types)),
		active:     make(map[Ref]*activation),
		retiring:   make(map[Ref]chan struct{}),
		scheduled:  make(map[string]context.CancelFunc),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
	for _, t := range cfg.Types {
		r.types[t] = true
	}
	if b, ok := cfg.Invoker.(binder); ok {
		b.bind(r)
	}
	return r, nil
}

// Start loads the persisted reminders of the hosted types and starts the
// idle scanner. It returns once reminders are scheduled.
func (r *Runtime) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		for _, t := range r.Types() {
			if loadErr := r.loadReminders(ctx, t); loadErr != nil {
				err = errors.Join(err, loadErr)
			}
		}
		r.wg.Add(1)
		go r.scan()
	})
	return err
}

// Stop cancels reminders and timers and deactivates every actor after its
// queued turns ran. ctx bounds the wait.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(r.rootCancel)

	r.mu.Lock()
	r.stopped = true
	draining := make([]*activation, 0, len(r.active))
	for ref, a := range r.active {
		delete(r.active, ref)
		r.retiring[ref] = a.done
		draining = append(draining, a)
	}
	r.mu.Unlock()

	var errs []error
	for _, a := range draining {
		errs = append(errs, r.retire(ctx, a))
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

// Types returns the hosted actor types, sorted.
func (r *Runtime) Types() []string {
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ActiveCounts returns the number of live activations per type.
func (r *Runtime) ActiveCounts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int)
	for t := range r.types {
		counts[t] = 0
	}
	for ref := range r.active {
		counts[ref.Type]++
	}
	return counts
}

// IsActive reports whether ref has a live activation.
func (r *Runtime) IsActive(ref Ref) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[ref]
	return ok
}

func validateRef(op string, ref Ref) error {
	switch {
	case ref.Type == "":
		return errspkg.Wrap(errspkg.KindInvalidArgument, op, errspkg.ErrActorTypeRequired)
	case ref.ID == "":
		return errspkg.Wrap(errspkg.KindInvalidArgument, op, errspkg.ErrActorIDRequired)
	}
	return nil
}

func (r *Runtime) hosts(actorType string) bool {
	return len(r.types) == 0 || r.types[actorType]
}

// Invoke runs call as one turn of its actor and waits for the result. Calls
// for actors placed on another host are forwarded there.
func (r *Runtime) Invoke(ctx context.Context, call Call) (Response, error) {
	const op = "actors.invoke"
	if err := validateRef(op, call.Ref); err != nil {
		return Response{}, err
	}
	if call.Kind == "" {
		call.Kind = KindMethod
	}
	if p := r.cfg.Placement; p != nil && !call.Metadata.Bool(MetadataForwarded) {
		if owner := p.Owner(call.Ref); owner != p.Self() {
			call.Metadata = call.Metadata.With(MetadataForwarded, "true")
			resp, err := r.cfg.Forwarder.ForwardActor(ctx, owner, call)
			if err != nil && errspkg.KindOf(err) == errspkg.KindUnknown {
				err = errspkg.BackendUnavailable(op, err).WithComponent(call.Ref.String())
			}
			return resp, err
		}
	}
	if call.Kind.scheduling() {
		return Response{}, r.applySchedule(ctx, call)
	}
	if !r.hosts(call.Ref.Type) {
		return Response{}, errspkg.New(errspkg.KindComponentNotFound, op, "actor type %q is not hosted by %s", call.Ref.Type, r.cfg.AppID)
	}
	return r.dispatch(ctx, call)
}

func (r *Runtime) dispatch(ctx context.Context, call Call) (Response, error) {
	for {
		a, err := r.activate(call.Ref)
		if err != nil {
			return Response{}, err
		}
		t := newTurn(ctx, call)
		queued, err := a.enqueue(ctx, t)
		if err != nil {
			return Response{}, err
		}
		if !queued {
			// Deactivated between lookup and enqueue.
			continue
		}
		select {
		case res := <-t.reply:
			return res.resp, res.err
		case <-ctx.Done():
			return Response{}, deadlineErr("actors.invoke", call.Ref, ctx.Err())
		}
	}
}

func deadlineErr(op string, ref Ref, err error) error {
	return &errspkg.Error{Kind: errspkg.KindDeadlineExceeded, Op: op, Component: ref.String(), Err: err}
}

// activate returns the live activation of ref, creating it if needed.
func (r *Runtime) activate(ref Ref) (*activation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, errspkg.New(errspkg.KindBackendUnavailable, "actors.activate", "actor runtime is stopped")
	}
	if a, ok := r.active[ref]; ok {
		return a, nil
	}
	a := newActivation(r.rootCtx, ref, r.cfg.MailboxSize, r.now())
	a.previous = r.retiring[ref]
	r.active[ref] = a
	r.logger.Debug("Activating actor", loggingpkg.LogFields{"actor_type": ref.Type, "actor_id": ref.ID})
	go r.run(a)
	return a, nil
}

// Deactivate retires the activation of ref after its queued turns ran. Its
// timers stop; its reminders stay scheduled.
func (r *Runtime) Deactivate(ctx context.Context, ref Ref) error {
	if err := validateRef("actors.deactivate", ref); err != nil {
		return err
	}
	r.mu.Lock()
	a, ok := r.active[ref]
	if ok {
		delete(r.active, ref)
		r.retiring[ref] = a.done
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.retire(ctx, a)
}

func (r *Runtime) retire(ctx context.Context, a *activation) error {
	a.close()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return deadlineErr("actors.deactivate", a.ref, ctx.Err())
	}
}

func (r *Runtime) run(a *activation) {
	defer func() {
		r.mu.Lock()
		if r.retiring[a.ref] == a.done {
			delete(r.retiring, a.ref)
		}
		r.mu.Unlock()
		close(a.done)
	}()
	if a.previous != nil {
		<-a.previous
	}
	a.status.Store(int32(StatusActive))

	for t := range a.mailbox {
		res := r.execute(t)
		a.touch(r.now())
		a.pending.Add(-1)
		t.reply <- res
	}

	a.cancel()
	res := r.execute(newTurn(context.Background(), Call{Ref: a.ref, Kind: KindDeactivate}))
	if res.err != nil {
		r.logger.Error("Actor deactivation hook failed", res.err, loggingpkg.LogFields{"actor_type": a.ref.Type, "actor_id": a.ref.ID})
	}
	a.status.Store(int32(StatusInactive))
	r.logger.Debug("Deactivated actor", loggingpkg.LogFields{"actor_type": a.ref.Type, "actor_id": a.ref.ID})
}

// execute runs one turn and commits its state changes when it succeeds.
func (r *Runtime) execute(t *turn) turnResult {
	const op = "actors.turn"
	if err := t.ctx.Err(); err != nil {
		return turnResult{err: deadlineErr(op, t.call.Ref, err)}
	}
	ctx, cancel := context.WithTimeout(t.ctx, r.cfg.TurnTimeout)
	defer cancel()

	res, err := r.invokeSafely(ctx, t.call)
	if err == nil && ctx.Err() != nil {
		err = deadlineErr(op, t.call.Ref, ctx.Err())
	}
	if err != nil {
		if errspkg.KindOf(err) == errspkg.KindUnknown {
			err = &errspkg.Error{Kind: errspkg.KindInternal, Op: op, Component: t.call.Ref.String(), Err: err}
		}
		return turnResult{err: err}
	}
	if err := r.commit(ctx, t.call.Ref, res.Ops); err != nil {
		return turnResult{err: err}
	}
	return turnResult{resp: Response{Data: res.Data, Metadata: res.Metadata}}
}

func (r *Runtime) invokeSafely(ctx context.Context, call Call) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("actor %s panicked: %v", call.Ref, p)
		}
	}()
	return r.cfg.Invoker.InvokeActor(ctx, call)
}

func (r *Runtime) commit(ctx context.Context, ref Ref, ops []StateOp) error {
	const op = "actors.commit"
	if len(ops) == 0 {
		return nil
	}
	tx := make([]state.TxOperation, 0, len(ops))
	for _, o := range ops {
		if o.Key == "" {
			return errspkg.Wrap(errspkg.KindInvalidArgument, op, errspkg.ErrKeyRequired)
		}
		key := StateKey(r.cfg.AppID, ref, o.Key)
		switch o.Type {
		case state.Upsert:
			tx = append(tx, state.TxOperation{Type: state.Upsert, Set: state.SetRequest{Key: key, Value: o.Value}})
		case state.Delete:
			tx = append(tx, state.TxOperation{Type: state.Delete, Delete: state.DeleteRequest{Key: key}})
		default:
			return errspkg.InvalidArgument(op, "unknown operation %q for key %q", o.Type, o.Key)
		}
	}
	if err := r.tx.Multi(ctx, tx); err != nil {
		if errspkg.KindOf(err) == errspkg.KindUnknown {
			return errspkg.TransactionAborted(op, err).WithComponent(r.cfg.StoreName)
		}
		return err
	}
	return nil
}

// GetState reads the committed value of an actor state key.
func (r *Runtime) GetState(ctx context.Context, ref Ref, key string) ([]byte, bool, error) {
	const op = "actors.getState"
	if err := validateRef(op, ref); err != nil {
		return nil, false, err
	}
	if key == "" {
		return nil, false, errspkg.Wrap(errspkg.KindInvalidArgument, op, errspkg.ErrKeyRequired)
	}
	resp, err := r.store.Get(ctx, StateKey(r.cfg.AppID, ref, key))
	if err != nil {
		if errspkg.KindOf(err) == errspkg.KindUnknown {
			err = errspkg.BackendUnavailable(op, err).WithComponent(r.cfg.StoreName)
		}
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (r *Runtime) scan() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.rootCtx.Done():
			return
		case <-ticker.C:
			r.deactivateIdle(r.now())
		}
	}
}

// deactivateIdle retires activations with no queued turn that were last used
// IdleTimeout or longer before now.
func (r *Runtime) deactivateIdle(now time.Time) int {
	r.mu.Lock()
	var idle []*activation
	for ref, a := range r.active {
		if a.pending.Load() == 0 && now.Sub(a.lastUsed()) >= r.cfg.IdleTimeout {
			delete(r.active, ref)
			r.retiring[ref] = a.done
			idle = append(idle, a)
		}
	}
	r.mu.Unlock()

	for _, a := range idle {
		a.close()
	}
	if len(idle) > 0 {
		r.logger.Debug("Deactivated idle actors", loggingpkg.LogFields{"count": len(idle)})
	}
	return len(idle)
}

// Status is the lifecycle state of an activation.
type Status int32

const (
	StatusInactive Status = iota
	StatusActivating
	StatusActive
	StatusDeactivating
)

func (s Status) String() string {
	switch s {
	case StatusActivating:
		return "activating"
	case StatusActive:
		return "active"
	case StatusDeactivating:
		return "deactivating"
	default:
		return "inactive"
	}
}

type turnResult struct {
	resp Response
	err  error
}

type turn struct {
	ctx   context.Context
	call  Call
	reply chan turnResult
}

func newTurn(ctx context.Context, call Call) *turn {
	return &turn{ctx: ctx, call: call, reply: make(chan turnResult, 1)}
}

// activation is one live actor instance. Its mailbox is drained by a single
// goroutine; closing the mailbox starts deactivation.
type activation struct {
	ref     Ref
	mailbox chan *turn
	status  atomic.Int32
	pending atomic.Int64
	used    atomic.Int64

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[string]context.CancelFunc

	previous <-chan struct{}
	done     chan struct{}
}

func newActivation(parent context.Context, ref Ref, size int, now time.Time) *activation {
	ctx, cancel := context.WithCancel(parent)
	a := &activation{
		ref:     ref,
		mailbox: make(chan *turn, size),
		ctx:     ctx,
		cancel:  cancel,
		timers:  make(map[string]context.CancelFunc),
		done:    make(chan struct{}),
	}
	a.status.Store(int32(StatusActivating))
	a.touch(now)
	return a
}

func (a *activation) touch(now time.Time) {
	a.used.Store(now.UnixNano())
}

func (a *activation) lastUsed() time.Time {
	return time.Unix(0, a.used.Load())
}

// enqueue reports false when the activation is already closed.
func (a *activation) enqueue(ctx context.Context, t *turn) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false, nil
	}
	a.pending.Add(1)
	select {
	case a.mailbox <- t:
		return true, nil
	case <-ctx.Done():
		a.pending.Add(-1)
		return false, deadlineErr("actors.enqueue", a.ref, ctx.Err())
	}
}

func (a *activation) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.status.Store(int32(StatusDeactivating))
	close(a.mailbox)
}
