package actors

import (
	"context"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	errspkg "github.com/drblury/outrigger/internal/runtime/errors"
	"github.com/drblury/outrigger/internal/runtime/jsoncodec"
)

const defaultReplicas = 100

// Forwarder delivers a call to the sidecar at host.
type Forwarder interface {
	ForwardActor(ctx context.Context, host string, call Call) (Response, error)
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, host string, call Call) (Response, error)

func (f ForwarderFunc) ForwardActor(ctx context.Context, host string, call Call) (Response, error) {
	return f(ctx, host, call)
}

// Placement maps actors to hosts with a consistent hash ring. Every host
// must be given the same host list to agree on owners.
type Placement struct {
	self   string
	hosts  []string
	ring   []uint64
	owners map[uint64]string
}

// NewPlacement builds a ring over hosts plus self with replicas virtual
// nodes per host.
func NewPlacement(self string, hosts []string, replicas int) *Placement {
	if replicas <= 0 {
		replicas = defaultReplicas
	}
	seen := map[string]bool{self: true}
	all := []string{self}
	for _, h := range hosts {
		if h != "" && !seen[h] {
			seen[h] = true
			all = append(all, h)
		}
	}
	sort.Strings(all)

	p := &Placement{self: self, hosts: all, owners: make(map[uint64]string, len(all)*replicas)}
	for _, h := range all {
		for i := 0; i < replicas; i++ {
			sum := xxhash.Sum64String(h + "#" + strconv.Itoa(i))
			if _, taken := p.owners[sum]; taken {
				continue
			}
			p.owners[sum] = h
			p.ring = append(p.ring, sum)
		}
	}
	sort.Slice(p.ring, func(i, j int) bool { return p.ring[i] < p.ring[j] })
	return p
}

func (p *Placement) Self() string { return p.self }

// Hosts returns every host on the ring, sorted.
func (p *Placement) Hosts() []string {
	return append([]string(nil), p.hosts...)
}

// Owner returns the host responsible for ref.
func (p *Placement) Owner(ref Ref) string {
	if len(p.ring) == 0 {
		return p.self
	}
	sum := xxhash.Sum64String(ref.String())
	i := sort.Search(len(p.ring), func(i int) bool { return p.ring[i] >= sum })
	if i == len(p.ring) {
		i = 0
	}
	return p.owners[p.ring[i]]
}

// IsLocal reports whether ref is owned by this host.
func (p *Placement) IsLocal(ref Ref) bool {
	return p.Owner(ref) == p.self
}

func (k CallKind) scheduling() bool {
	switch k {
	case KindRegisterTimer, KindUnregisterTimer, KindRegisterReminder, KindUnregisterReminder:
		return true
	}
	return false
}

// invokeSchedule routes a timer or reminder change to the owner of ref. The
// owner applies it through applySchedule.
func (r *Runtime) invokeSchedule(ctx context.Context, ref Ref, kind CallKind, name string, v any) error {
	var data []byte
	if v != nil {
		var err error
		if data, err = jsoncodec.Marshal(v); err != nil {
			return errspkg.Wrap(errspkg.KindInternal, "actors.schedule", err)
		}
	}
	_, err := r.Invoke(ctx, Call{Ref: ref, Kind: kind, Name: name, Data: data})
	return err
}

func (r *Runtime) applySchedule(ctx context.Context, call Call) error {
	const op = "actors.schedule"
	switch call.Kind {
	case KindRegisterTimer:
		var t Timer
		if err := jsoncodec.Unmarshal(call.Data, &t); err != nil {
			return errspkg.InvalidArgument(op, "decode timer: %v", err)
		}
		return r.registerTimer(call.Ref, t)
	case KindUnregisterTimer:
		r.unregisterTimer(call.Ref, call.Name)
		return nil
	case KindRegisterReminder:
		var rem Reminder
		if err := jsoncodec.Unmarshal(call.Data, &rem); err != nil {
			return errspkg.InvalidArgument(op, "decode reminder: %v", err)
		}
		return r.registerReminder(ctx, call.Ref, rem)
	default:
		return r.unregisterReminder(ctx, call.Ref, call.Name)
	}
}
