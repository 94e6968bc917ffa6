package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPolicy = uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	testBuyer  = uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
)

func rawFromJSON(t *testing.T, subject string, v any) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Unix(1_700_000_000, 0),
		AckFunc:   func() {},
		NakFunc:   func() {},
		TermFunc:  func() {},
	}
}

func header(key string, seq int64) map[string]any {
	return map[string]any{
		"idempotency_key": key,
		"source":          "gateway",
		"sequence":        seq,
		"timestamp_us":    int64(1_700_000_000_000_000),
	}
}

func with(base map[string]any, kv ...any) map[string]any {
	for i := 0; i+1 < len(kv); i += 2 {
		base[kv[i].(string)] = kv[i+1]
	}
	return base
}

func TestParseCommand_PoolCommands(t *testing.T) {
	raw := rawFromJSON(t, "cover.commands.deposit.a", with(header("dep-1", 0), "amount", "1000.25"))
	evt, err := ingestion.ParseCommand(raw, event.EventTypePoolDeposit)
	require.NoError(t, err)

	dep, ok := evt.(*event.PoolDeposit)
	require.True(t, ok, "got %T", evt)
	assert.Equal(t, int64(1_000_250_000), dep.Amount)
	assert.Equal(t, "dep-1", dep.IdempotencyKey())
	assert.Equal(t, "gateway", dep.Partition())
	assert.Equal(t, int64(0), dep.SourceSequence())
	assert.Equal(t, time.UnixMicro(1_700_000_000_000_000).UTC(), dep.Timestamp)

	raw = rawFromJSON(t, "cover.commands.withdraw.a", with(header("wd-1", 1), "amount", "5"))
	evt, err = ingestion.ParseCommand(raw, event.EventTypePoolWithdraw)
	require.NoError(t, err)
	wd, ok := evt.(*event.PoolWithdraw)
	require.True(t, ok)
	assert.Equal(t, int64(5_000_000), wd.Amount)
}

func TestParseCommand_PolicyIssue(t *testing.T) {
	raw := rawFromJSON(t, "cover.commands.issue.a", with(header("iss-1", 2),
		"policy_id", testPolicy.String(),
		"kind", "flight-delay",
		"coverage", "100",
		"price", "12.5",
		"duration", 30,
		"supply", 4,
	))
	evt, err := ingestion.ParseCommand(raw, event.EventTypePolicyIssue)
	require.NoError(t, err)

	p, ok := evt.(*event.PolicyIssue)
	require.True(t, ok)
	assert.Equal(t, testPolicy, p.PolicyID)
	assert.Equal(t, "flight-delay", p.Kind)
	assert.Equal(t, int64(100_000_000), p.Coverage)
	assert.Equal(t, int64(12_500_000), p.Price)
	assert.Equal(t, uint64(30), p.Duration)
	assert.Equal(t, uint64(4), p.Supply)
}

func TestParseCommand_PolicyIssueWithoutID(t *testing.T) {
	raw := rawFromJSON(t, "cover.commands.issue.a", with(header("iss-2", 0),
		"coverage", "1", "price", "1", "duration", 1, "supply", 1))
	evt, err := ingestion.ParseCommand(raw, event.EventTypePolicyIssue)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, evt.(*event.PolicyIssue).PolicyID)
}

func TestParseCommand_CoverageCommands(t *testing.T) {
	tests := []struct {
		name  string
		et    event.EventType
		body  map[string]any
		check func(t *testing.T, evt event.Event)
	}{
		{
			name: "retire",
			et:   event.EventTypePolicyRetire,
			body: with(header("r", 0), "policy_id", testPolicy.String()),
			check: func(t *testing.T, evt event.Event) {
				assert.Equal(t, testPolicy, evt.(*event.PolicyRetire).PolicyID)
			},
		},
		{
			name: "purchase",
			et:   event.EventTypeCoveragePurchase,
			body: with(header("p", 0), "policy_id", testPolicy.String(), "buyer", testBuyer.String(), "payment", "20"),
			check: func(t *testing.T, evt event.Event) {
				p := evt.(*event.CoveragePurchase)
				assert.Equal(t, testPolicy, p.PolicyID)
				assert.Equal(t, testBuyer, p.Buyer)
				assert.Equal(t, int64(20_000_000), p.Payment)
			},
		},
		{
			name: "claim",
			et:   event.EventTypeClaimFile,
			body: with(header("c", 0), "buyer", testBuyer.String(), "amount", "0.000001"),
			check: func(t *testing.T, evt event.Event) {
				c := evt.(*event.ClaimFile)
				assert.Equal(t, testBuyer, c.Buyer)
				assert.Equal(t, uuid.Nil, c.PolicyID)
				assert.Equal(t, int64(1), c.Amount)
			},
		},
		{
			name: "approve",
			et:   event.EventTypeClaimApprove,
			body: with(header("a", 0), "buyer", testBuyer.String(), "policy_id", testPolicy.String(), "amount", "25"),
			check: func(t *testing.T, evt event.Event) {
				a := evt.(*event.ClaimApprove)
				assert.Equal(t, testPolicy, a.PolicyID)
				assert.Equal(t, int64(25_000_000), a.Amount)
			},
		},
		{
			name: "expire",
			et:   event.EventTypeCoverageExpire,
			body: with(header("e", 0), "buyer", testBuyer.String()),
			check: func(t *testing.T, evt event.Event) {
				assert.Equal(t, testBuyer, evt.(*event.CoverageExpire).Buyer)
			},
		},
		{
			name: "sweep",
			et:   event.EventTypeLapseSweep,
			body: header("s", 0),
			check: func(t *testing.T, evt event.Event) {
				assert.IsType(t, &event.LapseSweep{}, evt)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ingestion.ParseCommand(rawFromJSON(t, "x", tt.body), tt.et)
			require.NoError(t, err)
			assert.Equal(t, tt.et, evt.EventType())
			tt.check(t, evt)
		})
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	tests := []struct {
		name string
		et   event.EventType
		body map[string]any
		want error
	}{
		{"missing key", event.EventTypePoolDeposit, with(header("", 0), "amount", "1"), ingestion.ErrMissingKey},
		{"missing sequence", event.EventTypePoolDeposit, map[string]any{"idempotency_key": "k", "amount": "1"}, ingestion.ErrMissingSequence},
		{"negative sequence", event.EventTypePoolDeposit, with(header("k", -1), "amount", "1"), nil},
		{"missing amount", event.EventTypePoolDeposit, header("k", 0), nil},
		{"too many decimals", event.EventTypePoolDeposit, with(header("k", 0), "amount", "1.0000001"), nil},
		{"not a number", event.EventTypePoolWithdraw, with(header("k", 0), "amount", "ten"), nil},
		{"bad buyer", event.EventTypeClaimFile, with(header("k", 0), "buyer", "nope", "amount", "1"), nil},
		{"bad policy", event.EventTypePolicyRetire, with(header("k", 0), "policy_id", ""), nil},
		{"unknown type", event.EventTypeUnknown, header("k", 0), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(rawFromJSON(t, "x", tt.body), tt.et)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestParseCommand_InvalidJSON(t *testing.T) {
	raw := ingestion.RawEvent{Subject: "x", Data: []byte("{not json")}
	_, err := ingestion.ParseCommand(raw, event.EventTypePoolDeposit)
	assert.Error(t, err)
}

func TestParseCommand_FallsBackToReceiveTime(t *testing.T) {
	body := map[string]any{"idempotency_key": "k", "sequence": 0, "amount": "1"}
	raw := rawFromJSON(t, "x", body)
	evt, err := ingestion.ParseCommand(raw, event.EventTypePoolDeposit)
	require.NoError(t, err)
	assert.Equal(t, raw.Timestamp.UTC(), evt.Header().Timestamp)
}

func TestParseRequest_RoutingIsOptional(t *testing.T) {
	evt, err := ingestion.ParseRequest(event.EventTypePoolDeposit, []byte(`{"amount":"3"}`), "")
	require.NoError(t, err)
	h := evt.Header()
	assert.Empty(t, h.Key)
	assert.Empty(t, h.Source)
	assert.True(t, h.Timestamp.IsZero())

	evt, err = ingestion.ParseRequest(event.EventTypePoolDeposit, []byte(`{"amount":"3","idempotency_key":"body"}`), "header")
	require.NoError(t, err)
	assert.Equal(t, "header", evt.IdempotencyKey())

	evt, err = ingestion.ParseRequest(event.EventTypePoolDeposit, []byte(`{"amount":"3","source":"ops","sequence":7}`), "")
	require.NoError(t, err)
	assert.Equal(t, "ops", evt.Partition())
	assert.Equal(t, int64(7), evt.SourceSequence())
}

func TestResolveEventType(t *testing.T) {
	subjects := ingestion.DefaultSubjects()
	require.Len(t, subjects, 9)

	et, ok := ingestion.ResolveEventType("cover.commands.purchase.eu-1", subjects)
	require.True(t, ok)
	assert.Equal(t, event.EventTypeCoveragePurchase, et)

	et, ok = ingestion.ResolveEventType("cover.commands.sweep.cron", subjects)
	require.True(t, ok)
	assert.Equal(t, event.EventTypeLapseSweep, et)

	_, ok = ingestion.ResolveEventType("cover.commands.unknown.x", subjects)
	assert.False(t, ok)
}
