package eufy

import (
	"fmt"
	"sync"
	"time"

	"github.com/AlexxIT/go2eufy/pkg/eufy/lock"
	"github.com/rs/zerolog"
)

type inflightKey struct {
	cmd     uint16 // command or lock family
	channel byte
}

type lockExchange struct {
	seq     uint32
	command uint16
	key     []byte
	iv      []byte
}

type inflight struct {
	id    uint32 // session sequence
	key   inflightKey
	token any
	ts    time.Time
	timer *time.Timer

	lock      *lockExchange
	secondary bool // primary result delivered, waiting lock result

	// done runs before the result event, under the session mutex
	done func(r *Result)
}

// dispatcher tracks in-flight commands. Every method runs under the session mutex,
// timer callbacks take it themselves.
type dispatcher struct {
	mu      *sync.Mutex
	timeout time.Duration
	emit    func(Event)
	log     zerolog.Logger

	pending map[inflightKey][]*inflight
}

func newDispatcher(mu *sync.Mutex, timeout time.Duration, emit func(Event), log zerolog.Logger) *dispatcher {
	return &dispatcher{
		mu:      mu,
		timeout: timeout,
		emit:    emit,
		log:     log,
		pending: map[inflightKey][]*inflight{},
	}
}

func (d *dispatcher) busy(key inflightKey) bool {
	return len(d.pending[key]) > 0
}

// register adds e at the end of its queue. Exclusive commands do not queue.
func (d *dispatcher) register(e *inflight, exclusive bool) error {
	if exclusive && d.busy(e.key) {
		return ErrCommandAlreadyPending
	}
	e.ts = time.Now()
	e.timer = time.AfterFunc(d.timeout, func() {
		d.mu.Lock()
		d.expire(e)
		d.mu.Unlock()
	})
	d.pending[e.key] = append(d.pending[e.key], e)
	return nil
}

func (d *dispatcher) remove(e *inflight) bool {
	queue := d.pending[e.key]
	for i, item := range queue {
		if item == e {
			e.timer.Stop()
			if len(queue) == 1 {
				delete(d.pending, e.key)
			} else {
				d.pending[e.key] = append(queue[:i:i], queue[i+1:]...)
			}
			return true
		}
	}
	return false
}

func (d *dispatcher) expire(e *inflight) {
	if !d.remove(e) {
		return
	}
	d.log.Debug().Uint16("cmd", e.key.cmd).Uint8("channel", e.key.channel).Msg("[eufy] command timeout")
	d.finish(e, StatusTimeout, 0, nil, ErrCommandTimeout)
}

// resolve matches a primary response with the oldest command of its queue.
func (d *dispatcher) resolve(key inflightKey, code int32, data []byte) bool {
	var e *inflight
	for _, item := range d.pending[key] {
		if !item.secondary {
			e = item
			break
		}
	}
	if e == nil {
		return false
	}

	status, err := resultFromCode(code)

	if e.lock != nil && status == StatusSuccess {
		// lock commands stay in flight until the lock result
		e.secondary = true
		e.timer.Reset(d.timeout)
		d.emit(CommandResultEvent{Result: d.result(e, status, code, data, nil)})
		return true
	}

	d.remove(e)
	d.finish(e, status, code, data, err)
	return true
}

// first returns the oldest command of the queue.
func (d *dispatcher) first(key inflightKey) *inflight {
	if queue := d.pending[key]; len(queue) > 0 {
		return queue[0]
	}
	return nil
}

// fail resolves e with an engine error.
func (d *dispatcher) fail(e *inflight, status Status, err error) {
	if d.remove(e) {
		d.finish(e, status, 0, nil, err)
	}
}

// waitingLock returns lock commands of the channel that wait for the lock result.
func (d *dispatcher) waitingLock(channel byte) (items []*inflight) {
	for key, queue := range d.pending {
		if key.channel != channel {
			continue
		}
		for _, e := range queue {
			if e.lock != nil && e.secondary {
				items = append(items, e)
			}
		}
	}
	return
}

func (d *dispatcher) finishLock(e *inflight, res *lock.Result) {
	d.remove(e)

	status, err := StatusSuccess, error(nil)
	if res.Code != lock.CodeSuccess {
		status, err = StatusRejected, fmt.Errorf("eufy: lock code %d", res.Code)
	}

	r := d.result(e, status, int32(res.Code), nil, err)
	if e.done != nil {
		e.done(&r)
	}
	d.emit(SecondaryCommandResultEvent{Result: r, Lock: res})
}

func (d *dispatcher) cancelAll(status Status, err error) {
	pending := d.pending
	d.pending = map[inflightKey][]*inflight{}

	for _, queue := range pending {
		for _, e := range queue {
			e.timer.Stop()
			d.finish(e, status, 0, nil, err)
		}
	}
}

func (d *dispatcher) count() (n int) {
	for _, queue := range d.pending {
		n += len(queue)
	}
	return
}

func (d *dispatcher) result(e *inflight, status Status, code int32, data []byte, err error) Result {
	return Result{
		Command:    e.key.cmd,
		Channel:    e.key.channel,
		Token:      e.token,
		Status:     status,
		ReturnCode: code,
		Data:       data,
		Err:        err,
	}
}

func (d *dispatcher) finish(e *inflight, status Status, code int32, data []byte, err error) {
	r := d.result(e, status, code, data, err)
	if e.done != nil {
		e.done(&r)
	}
	if e.secondary {
		d.emit(SecondaryCommandResultEvent{Result: r})
	} else {
		d.emit(CommandResultEvent{Result: r})
	}
}
