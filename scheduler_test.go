package bundoc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerCoalescesBurstIntoOneSave(t *testing.T) {
	var saves int32
	sch := newScheduler(20*time.Millisecond, func() error {
		atomic.AddInt32(&saves, 1)
		return nil
	})
	defer sch.Close()

	var chans []<-chan error
	for i := 0; i < 5; i++ {
		chans = append(chans, sch.Schedule())
	}
	for _, ch := range chans {
		require.NoError(t, <-ch)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&saves))
}

func TestSchedulerRetriesAfterFailureEvenWithNoNewWaiters(t *testing.T) {
	var calls int32
	sch := newScheduler(5*time.Millisecond, func() error {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return errBoom
		}
		return nil
	})
	defer sch.Close()

	err := <-sch.Schedule()
	require.ErrorIs(t, err, errBoom)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) >= 2
	}, time.Second, 5*time.Millisecond, "a failed save must retry on the next tick without a new caller arriving")
}

func TestSchedulerCloseAwaitsInFlightSave(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	sch := newScheduler(0, func() error {
		close(started)
		<-release
		return nil
	})

	ch := sch.Schedule()
	<-started

	done := make(chan struct{})
	go func() {
		sch.Close()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the in-flight save completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-ch
	<-done
}

func TestSchedulerRejectsScheduleAfterClose(t *testing.T) {
	sch := newScheduler(0, func() error { return nil })
	sch.Close()

	err := <-sch.Schedule()
	require.ErrorIs(t, err, ErrClosed)
}

var errBoom = errSentinel("boom")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
