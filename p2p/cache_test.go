package p2p

import (
	"testing"

	"github.com/canopy-network/finality/lib"
	"github.com/canopy-network/finality/lib/crypto"
	"github.com/stretchr/testify/require"
)

func TestAddressCacheAntiReplay(t *testing.T) {
	keys, authorities := newTestKeys(t, 3)
	cache := NewAddressCache(true, nil)
	cache.AddSession(1, authorities)
	newInfo, err := cache.Update(1, 1, NewAddressingInformation(keys[1], []string{"10.0.0.1:30333"}, 5))
	require.NoError(t, err)
	require.True(t, newInfo)
	// an older record is rejected and doesn't overwrite
	newInfo, err = cache.Update(1, 1, NewAddressingInformation(keys[1], []string{"10.0.0.2:30333"}, 3))
	require.True(t, lib.IsError(err, lib.CodeStaleAddressingInfo, lib.P2PModule))
	require.False(t, newInfo)
	got, ok := cache.Get(1, 1)
	require.True(t, ok)
	require.Equal(t, uint64(5), got.Counter)
	require.Equal(t, []string{"10.0.0.1:30333"}, got.Addresses)
	// an equally fresh record is accepted but isn't new information
	newInfo, err = cache.Update(1, 1, NewAddressingInformation(keys[1], []string{"10.0.0.1:30333"}, 5))
	require.NoError(t, err)
	require.False(t, newInfo)
	// a fresher record overwrites
	newInfo, err = cache.Update(1, 1, NewAddressingInformation(keys[1], []string{"10.0.0.3:30333"}, 6))
	require.NoError(t, err)
	require.True(t, newInfo)
	got, _ = cache.Get(1, 1)
	require.Equal(t, uint64(6), got.Counter)
	require.Equal(t, []string{"10.0.0.3:30333"}, got.Addresses)
}

func TestAddressCacheUpdateRejections(t *testing.T) {
	keys, authorities := newTestKeys(t, 3)
	outsider, _ := newTestKeys(t, 1)
	tampered := NewAddressingInformation(keys[2], []string{"10.0.0.1:1"}, 1)
	tampered.Addresses = []string{"10.6.6.6:1"}
	tests := []struct {
		name    string
		detail  string
		session lib.SessionId
		idx     lib.NodeIndex
		info    *AddressingInformation
		code    lib.ErrorCode
		module  lib.ErrorModule
	}{
		{
			name:    "unknown session",
			detail:  "records are only accepted for registered sessions",
			session: 2, idx: 0,
			info: NewAddressingInformation(keys[0], []string{"10.0.0.1:1"}, 1),
			code: lib.CodeUnknownSession, module: lib.SessionModule,
		},
		{
			name:    "index out of range",
			detail:  "the node index must be inside the authority set",
			session: 1, idx: 3,
			info: NewAddressingInformation(keys[0], []string{"10.0.0.1:1"}, 1),
			code: lib.CodeInvalidNodeIndex, module: lib.FinalityModule,
		},
		{
			name:    "claimed by another authority",
			detail:  "a valid record of node 0 presented as node 1",
			session: 1, idx: 1,
			info: NewAddressingInformation(keys[0], []string{"10.0.0.1:1"}, 1),
			code: lib.CodeInvalidAddressingInfo, module: lib.P2PModule,
		},
		{
			name:    "outsider",
			detail:  "a key outside the authority set",
			session: 1, idx: 0,
			info: NewAddressingInformation(outsider[0], []string{"10.0.0.1:1"}, 1),
			code: lib.CodeInvalidAddressingInfo, module: lib.P2PModule,
		},
		{
			name:    "tampered",
			detail:  "addresses changed after signing",
			session: 1, idx: 2,
			info: tampered,
			code: lib.CodeInvalidSignature, module: lib.P2PModule,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cache := NewAddressCache(true, nil)
			cache.AddSession(1, authorities)
			newInfo, err := cache.Update(test.session, test.idx, test.info)
			require.False(t, newInfo, test.detail)
			require.True(t, lib.IsError(err, test.code, test.module), test.detail)
			require.Zero(t, cache.Len())
		})
	}
}

func TestAddressCacheRemoveSession(t *testing.T) {
	keys, authorities := newTestKeys(t, 2)
	for _, evict := range []bool{true, false} {
		cache := NewAddressCache(evict, nil)
		cache.AddSession(1, authorities)
		cache.AddSession(2, authorities)
		for s := lib.SessionId(1); s <= 2; s++ {
			for i, k := range keys {
				_, err := cache.Update(s, lib.NodeIndex(i), NewAddressingInformation(k, []string{"10.0.0.1:1"}, 1))
				require.NoError(t, err)
			}
		}
		require.Equal(t, 4, cache.Len())
		cache.RemoveSession(1)
		_, ok := cache.Authorities(1)
		require.False(t, ok)
		_, ok = cache.Get(1, 0)
		require.Equal(t, !evict, ok)
		require.Len(t, cache.Session(2), 2)
		// the removed session no longer accepts records
		_, err := cache.Update(1, 0, NewAddressingInformation(keys[0], []string{"10.0.0.1:1"}, 2))
		require.True(t, lib.IsError(err, lib.CodeUnknownSession, lib.SessionModule))
	}
}

func TestAddressCacheDropsOldSessionsWithoutEviction(t *testing.T) {
	keys, authorities := newTestKeys(t, 2)
	cache := NewAddressCache(false, nil)
	for s := lib.SessionId(1); s <= 10; s++ {
		cache.AddSession(s, authorities)
		for i, k := range keys {
			_, err := cache.Update(s, lib.NodeIndex(i), NewAddressingInformation(k, []string{"10.0.0.1:1"}, uint64(s)))
			require.NoError(t, err)
		}
		cache.RemoveSession(s - 1)
		require.LessOrEqual(t, cache.Len(), 2*(retainedSessions+1), "records after %s", s)
	}
	// the records of recently removed sessions are still served
	_, ok := cache.Get(9, 0)
	require.True(t, ok)
	_, ok = cache.Get(8, 1)
	require.True(t, ok)
	_, ok = cache.Get(1, 0)
	require.False(t, ok)
	require.Len(t, cache.Session(10), 2)
}

func TestAddressingInformationEncoding(t *testing.T) {
	keys, authorities := newTestKeys(t, 1)
	info := NewAddressingInformation(keys[0], []string{"10.0.0.1:1", "[::1]:2"}, 99)
	msg := &DiscoveryMessage{Session: 4, NodeIndex: 0, Info: info}
	got := new(DiscoveryMessage)
	require.NoError(t, got.Unmarshal(msg.Marshal()))
	require.Equal(t, lib.SessionId(4), got.Session)
	require.Equal(t, lib.NodeIndex(0), got.NodeIndex)
	require.Equal(t, info.Addresses, got.Info.Addresses)
	require.NoError(t, got.Info.Verify(authorities[0]))
	require.Error(t, new(DiscoveryMessage).Unmarshal(nil), "a discovery message without a record is invalid")
}

func newTestKeys(t *testing.T, n int) (keys []crypto.PrivateKeyI, authorities []lib.AuthorityId) {
	for i := 0; i < n; i++ {
		k, err := crypto.NewBLSPrivateKey()
		require.NoError(t, err)
		keys = append(keys, k)
		authorities = append(authorities, k.PublicKey().Bytes())
	}
	return
}
