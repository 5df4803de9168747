package timerq

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSchedulerFiresAfterDeadline(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	var fired int32
	s.After(10*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulerCancelPreventsFire(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	var fired int32
	h := s.After(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	s.Cancel(h)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestSchedulerCancelUnknownHandleIsNoop(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	assert.NotPanics(t, func() { s.Cancel(Handle(999)) })
}
