package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"raftcore/pkg/replication"
	"raftcore/pkg/session"
	"raftcore/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

func testRequest() replication.NewEntryRequest {
	return replication.NewEntryRequest{
		From: "2",
		Operation: replication.Operation{
			Content:     []byte("payload"),
			Session:     session.NewGlobalSession("2"),
			OperationID: session.LocalOperationID{LocalSessionID: 3, SequenceNumber: 9},
		},
	}
}

func TestHTTPOutbound_DeliversRequest(t *testing.T) {
	received := make(chan replication.NewEntryRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ReplicateEndpoint, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req replication.NewEntryRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		received <- req
	}))
	defer srv.Close()

	out := NewHTTPOutbound(map[types.MemberID]string{"1": srv.URL}, time.Second)
	want := testRequest()
	require.NoError(t, out.Send(context.Background(), "1", want, true))

	got := <-received
	assert.Equal(t, want.From, got.From)
	assert.True(t, want.Operation.Equal(got.Operation))
}

func TestHTTPOutbound_NonBlockingSend(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
	}))
	defer srv.Close()

	out := NewHTTPOutbound(map[types.MemberID]string{"1": srv.URL}, time.Second)
	require.NoError(t, out.Send(context.Background(), "1", testRequest(), false))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("request was not delivered")
	}
}

func TestHTTPOutbound_UnknownMember(t *testing.T) {
	out := NewHTTPOutbound(nil, time.Second)
	err := out.Send(context.Background(), "7", testRequest(), true)
	assert.ErrorIs(t, err, ErrUnknownPeer)

	out.SetAddress("7", "http://127.0.0.1:1")
	err = out.Send(context.Background(), "7", testRequest(), true)
	assert.NotErrorIs(t, err, ErrUnknownPeer)
}

func TestPostJSON_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newPoster(time.Second)
	p.delay = time.Millisecond
	require.NoError(t, p.postJSON(context.Background(), srv.URL, map[string]int{"a": 1}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPostJSON_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := newPoster(time.Second)
	p.delay = time.Millisecond
	err := p.postJSON(context.Background(), srv.URL, struct{}{})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Body, "bad request")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPostJSON_GivesUpAfterRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newPoster(time.Second)
	p.delay = time.Millisecond
	err := p.postJSON(context.Background(), srv.URL, struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send after 3 retries")
}

func TestRaftTransport_Peers(t *testing.T) {
	var (
		mu   sync.Mutex
		msgs []raftpb.Message
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RaftEndpoint, r.URL.Path)
		var m raftpb.Message
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		msgs = append(msgs, m)
		mu.Unlock()
	}))
	defer srv.Close()

	peers := map[uint64]string{2: srv.URL}
	tr := NewRaftTransport(peers)
	peers[2] = "mutated"

	require.NoError(t, tr.Send(raftpb.Message{From: 1, To: 2, Type: raftpb.MsgHeartbeat, Term: 4}))

	err := tr.Send(raftpb.Message{From: 1, To: 3})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	tr.AddPeer(3, srv.URL)
	require.NoError(t, tr.Send(raftpb.Message{From: 1, To: 3, Type: raftpb.MsgApp}))

	tr.RemovePeer(2)
	assert.ErrorIs(t, tr.Send(raftpb.Message{From: 1, To: 2}), ErrUnknownPeer)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), msgs[0].To)
	assert.Equal(t, raftpb.MsgHeartbeat, msgs[0].Type)
	assert.Equal(t, uint64(4), msgs[0].Term)
	assert.Equal(t, uint64(3), msgs[1].To)
}
