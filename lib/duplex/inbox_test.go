package duplex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxKeepsArrivalOrder(t *testing.T) {
	in := newInbox()
	for _, p := range []string{"a", "b", "c"} {
		require.True(t, in.push(&IncomingMessage{Payload: []byte(p)}))
	}
	assert.Equal(t, 3, in.len())

	for _, want := range []string{"a", "b", "c"} {
		msg, err := in.pop(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, string(msg.Payload))
	}
}

func TestInboxWakesEveryReader(t *testing.T) {
	in := newInbox()
	const readers = 4

	var wg sync.WaitGroup
	results := make(chan string, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			msg, err := in.pop(ctx)
			if err == nil {
				results <- string(msg.Payload)
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < readers; i++ {
		in.push(&IncomingMessage{Payload: []byte{byte('a' + i)}})
	}
	wg.Wait()
	close(results)

	got := map[string]bool{}
	for r := range results {
		got[r] = true
	}
	assert.Len(t, got, readers)
}

func TestInboxClose(t *testing.T) {
	in := newInbox()
	in.push(&IncomingMessage{Payload: []byte("dropped")})
	in.close()
	in.close()

	_, err := in.pop(context.Background())
	assert.True(t, errors.Is(err, ErrSessionClosed))
	assert.False(t, in.push(&IncomingMessage{}))
}
