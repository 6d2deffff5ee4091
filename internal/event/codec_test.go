package event_test

import (
	"testing"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/testutil"

	"github.com/stretchr/testify/require"
)

func header(key string) event.Header {
	return event.Header{
		Key:       key,
		Actor:     testutil.Relayer,
		Producer:  "relayer-1",
		Seq:       9,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
	}
}

// Replay re-decodes persisted payloads, so every event must survive the
// round trip unchanged.
func TestEncodeDecode_ReplayFidelity(t *testing.T) {
	batch := ledger.DeriveID("test", 1, "batch")
	events := []event.Event{
		&event.BatchClose{Header: header("close"), BatchID: batch, CreateNext: true},
		&event.SettlementPropose{Header: header("propose"), BatchID: batch, ProposedTotalAssets: testutil.Units(150), CooldownSeconds: 3600},
		&event.GatewayDeposit{Header: header("deposit"), Vault: testutil.GatewayVault, Asset: testutil.AssetUSD, Amount: testutil.Units(7), Beneficiary: testutil.Bob},
		&event.UnstakeRequest{Header: header("unstake"), Vault: testutil.PlainVault, Recipient: testutil.Alice, Shares: testutil.Units(2)},
	}
	for _, evt := range events {
		t.Run(evt.EventType().String(), func(t *testing.T) {
			data, err := event.Encode(evt)
			require.NoError(t, err)
			got, err := event.Decode(evt.EventType(), data)
			require.NoError(t, err)
			require.Equal(t, evt, got)
		})
	}
}

func TestDecode_RecipientDefaultsToCaller(t *testing.T) {
	data := []byte(`{"idempotency_key":"k","caller":"alice","timestamp":1700000000,"vault":"stake-plain","amount":"10"}`)
	got, err := event.Decode(event.EventTypeStakeRequest, data)
	require.NoError(t, err)

	stake, ok := got.(*event.StakeRequest)
	require.True(t, ok)
	require.Equal(t, "alice", stake.Recipient)
	require.Equal(t, uint64(10), stake.Amount.Uint64())
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]struct {
		et   event.EventType
		data string
	}{
		"missing key":    {event.EventTypeBatchCreate, `{"caller":"a","timestamp":1,"vault":"v","asset":"A"}`},
		"missing caller": {event.EventTypeBatchCreate, `{"idempotency_key":"k","timestamp":1,"vault":"v","asset":"A"}`},
		"missing vault":  {event.EventTypeBatchCreate, `{"idempotency_key":"k","caller":"a","timestamp":1,"asset":"A"}`},
		"bad amount":     {event.EventTypeGatewayDeposit, `{"idempotency_key":"k","caller":"a","timestamp":1,"vault":"v","asset":"A","amount":"1.5"}`},
		"bad id":         {event.EventTypeSettlementExecute, `{"idempotency_key":"k","caller":"a","timestamp":1,"proposal_id":"xyz"}`},
		"not json":       {event.EventTypeStakeClaim, `{`},
		"unknown type":   {event.EventTypeUnknown, `{}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := event.Decode(tc.et, []byte(tc.data))
			require.Error(t, err)
		})
	}
}
