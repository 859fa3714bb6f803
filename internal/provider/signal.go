package provider

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// ChanSignal is an auto-reset signal backed by a one-slot channel. Raising
// an already raised signal is a no-op, so any number of notifications
// between two waits collapse into one wake-up.
type ChanSignal chan struct{}

// NewChanSignal returns an unraised signal
func NewChanSignal() ChanSignal {
	return make(ChanSignal, 1)
}

// Raise marks the signal as set without blocking
func (s ChanSignal) Raise() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// WaitChans waits on any number of ChanSignals. The fired signal is reset.
// When several signals are set at once an arbitrary one is returned; the
// others stay raised for the next call.
func WaitChans(ctx context.Context, signals []Signal, timeout time.Duration) (int, error) {
	cases := make([]reflect.SelectCase, 0, len(signals)+2)
	for i, sig := range signals {
		ch, ok := sig.(ChanSignal)
		if !ok {
			return -1, fmt.Errorf("signal %d: unsupported type %T", i, sig)
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	timeoutIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	doneIdx := len(cases)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, _, _ := reflect.Select(cases)
	switch chosen {
	case timeoutIdx:
		return -1, nil
	case doneIdx:
		return -1, ctx.Err()
	default:
		return chosen, nil
	}
}
