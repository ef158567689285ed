package cpubsub_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collie-robotics/collie/cpubsub"
	"github.com/collie-robotics/collie/internal/ctest"
)

func TestStream_publishAdvances(t *testing.T) {
	t.Parallel()

	s := cpubsub.NewStream[int]()
	head := s

	for i := range 3 {
		ctest.NotSending(t, s.Ready)
		s.Publish(i)
		s = s.Next
	}

	// A reader starting from the head observes every value in order.
	for i := range 3 {
		ctest.ReceiveSoon(t, head.Ready)
		require.Equal(t, i, head.Val)
		head = head.Next
	}
	ctest.NotSending(t, head.Ready)
}

func TestStream_manyReaders(t *testing.T) {
	t.Parallel()

	s := cpubsub.NewStream[string]()

	read := func(from *cpubsub.Stream[string]) []string {
		var out []string
		for {
			select {
			case <-from.Ready:
				out = append(out, from.Val)
				from = from.Next
			default:
				return out
			}
		}
	}

	s.Publish("a")
	late := s.Next
	s.Next.Publish("b")

	require.Equal(t, []string{"a", "b"}, read(s))
	require.Equal(t, []string{"b"}, read(late))
}

func TestStream_tailSkipsPublished(t *testing.T) {
	t.Parallel()

	s := cpubsub.NewStream[int]()
	s.Publish(1)
	s.Next.Publish(2)

	tail := cpubsub.Tail(s)
	ctest.NotSending(t, tail.Ready)

	tail.Publish(3)
	ctest.ReceiveSoon(t, tail.Ready)
	require.Equal(t, 3, tail.Val)
}

func TestRunChannelToStream_stopsOnClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan int, 4)
	s, done := cpubsub.RunChannelToStream(ctx, ch)

	ch <- 7
	ch <- 8
	close(ch)

	ctest.ReceiveSoon(t, done)

	ctest.IsSending(t, s.Ready)
	require.Equal(t, 7, s.Val)
	ctest.IsSending(t, s.Next.Ready)
	require.Equal(t, 8, s.Next.Val)
}

func TestRunChannelToStream_stopsOnContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan int)
	_, done := cpubsub.RunChannelToStream(ctx, ch)

	cancel()
	ctest.ReceiveSoon(t, done)
}
