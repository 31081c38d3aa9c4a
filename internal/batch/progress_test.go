package batch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressStreamDropsOldest(t *testing.T) {
	s := NewProgressStream(2)
	for i := 1; i <= 5; i++ {
		s.Publish(Progress{Completed: i})
	}
	s.Close()

	var got []int
	for p := range s.C() {
		got = append(got, p.Completed)
	}
	assert.Equal(t, []int{4, 5}, got)
	assert.Equal(t, int64(3), s.Dropped())
}

func TestProgressStreamNilAndClosed(t *testing.T) {
	var nilStream *ProgressStream
	assert.NotPanics(t, func() {
		nilStream.Publish(Progress{})
		nilStream.Close()
	})

	s := NewProgressStream(0)
	s.Close()
	s.Close()
	assert.NotPanics(t, func() { s.Publish(Progress{Completed: 1}) })
}

func TestProgressStreamConcurrentPublishNeverBlocks(t *testing.T) {
	s := NewProgressStream(1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Publish(Progress{Completed: j})
			}
		}()
	}
	wg.Wait()
	s.Close()

	n := 0
	for range s.C() {
		n++
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(799), s.Dropped())
}
