package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheriffbot/sheriff/internal/messaging"
	"github.com/sheriffbot/sheriff/internal/protocol"
	"github.com/sheriffbot/sheriff/internal/strikes"
)

type fakeRequestServer struct {
	handlers map[string]func([]byte) []byte
}

func (s *fakeRequestServer) HandleRequests(subject string, handler func([]byte) []byte) error {
	s.handlers[subject] = handler
	return nil
}

func (s *fakeRequestServer) call(t *testing.T, subject string, req any) protocol.AdminResponse {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	h, ok := s.handlers[subject]
	require.True(t, ok, "no handler for %s", subject)

	var resp protocol.AdminResponse
	require.NoError(t, json.Unmarshal(h(data), &resp))
	return resp
}

func TestAdmin_StrikesAndReset(t *testing.T) {
	ledger := strikes.NewLedger(strikes.NewMemStore(), time.Hour)
	key := strikes.Key{ChatID: 5, UserID: 6}
	at := time.Now()
	_, err := ledger.RecordViolation(context.Background(), key, at)
	require.NoError(t, err)
	_, err = ledger.RecordViolation(context.Background(), key, at)
	require.NoError(t, err)

	srv := &fakeRequestServer{handlers: map[string]func([]byte) []byte{}}
	require.NoError(t, NewAdmin(ledger, nil).Register(srv))

	req := protocol.AdminRequest{ChatID: 5, UserID: 6}
	resp := srv.call(t, messaging.SubjectAdminStrikes, req)
	assert.True(t, resp.OK)
	assert.Equal(t, 2, resp.Strikes)
	assert.Equal(t, at.UnixMilli(), resp.LastViolationAt)

	resp = srv.call(t, messaging.SubjectAdminReset, req)
	assert.True(t, resp.OK)

	resp = srv.call(t, messaging.SubjectAdminStrikes, req)
	assert.True(t, resp.OK)
	assert.Equal(t, 0, resp.Strikes)
	assert.Zero(t, resp.LastViolationAt)
}

func TestAdmin_InvalidRequest(t *testing.T) {
	a := NewAdmin(strikes.NewLedger(strikes.NewMemStore(), time.Hour), nil)

	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte("{")},
		{"missing user", []byte(`{"chat_id":1}`)},
		{"missing chat", []byte(`{"user_id":1}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, handle := range []func([]byte) []byte{a.HandleReset, a.HandleStrikes} {
				var resp protocol.AdminResponse
				require.NoError(t, json.Unmarshal(handle(tt.data), &resp))
				assert.False(t, resp.OK)
				assert.NotEmpty(t, resp.Error)
			}
		})
	}
}
