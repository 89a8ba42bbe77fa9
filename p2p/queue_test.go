package p2p

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendQueueDropPolicy(t *testing.T) {
	tests := []struct {
		name     string
		detail   string
		queued   []bool // critical flag of each queued message, oldest first
		critical bool   // critical flag of the incoming message
		dropped  int    // index of the expected victim, -1 for none
		expected []int  // remaining messages by original index, the new message is len(queued)
	}{
		{
			name:     "room left",
			detail:   "nothing is dropped while the queue has room",
			queued:   []bool{false},
			dropped:  -1,
			expected: []int{0, 1},
		},
		{
			name:     "oldest non critical",
			detail:   "the oldest non critical message is evicted for the newest",
			queued:   []bool{true, false, false},
			dropped:  1,
			expected: []int{0, 2, 3},
		},
		{
			name:     "critical incoming",
			detail:   "a critical newcomer still only evicts a non critical message",
			queued:   []bool{false, true, true},
			critical: true,
			dropped:  0,
			expected: []int{1, 2, 3},
		},
		{
			name:     "all critical",
			detail:   "when everything queued is critical the oldest goes",
			queued:   []bool{true, true, true},
			dropped:  0,
			expected: []int{1, 2, 3},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			max := len(test.queued)
			if test.dropped == -1 {
				max++
			}
			q := newSendQueue(max)
			for i, critical := range test.queued {
				require.Nil(t, q.push(&outbound{payload: []byte{byte(i)}, critical: critical}))
			}
			dropped := q.push(&outbound{payload: []byte{byte(len(test.queued))}, critical: test.critical})
			if test.dropped == -1 {
				require.Nil(t, dropped, test.detail)
			} else {
				require.NotNil(t, dropped, test.detail)
				require.Equal(t, byte(test.dropped), dropped.payload[0], test.detail)
			}
			var got []int
			for {
				m, ok := q.pop()
				if !ok {
					break
				}
				got = append(got, int(m.payload[0]))
			}
			require.Equal(t, test.expected, got, test.detail)
		})
	}
}

func TestSendQueueSignalsReady(t *testing.T) {
	q := newSendQueue(2)
	q.push(&outbound{payload: []byte{1}})
	q.push(&outbound{payload: []byte{2}})
	// a single pending signal covers any number of pushes
	<-q.ready
	select {
	case <-q.ready:
		t.Fatal("unexpected second signal")
	default:
	}
	require.Equal(t, 2, q.len())
}
