package ingestion_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"PerpClearing/internal/command"
	"PerpClearing/internal/core"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/exchange"
	"PerpClearing/internal/ingestion"
	"PerpClearing/internal/outbox"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	commandID = "550e8400-e29b-41d4-a716-446655440000"
	traderID  = "660e8400-e29b-41d4-a716-446655440001"
)

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// ===== Test: Command parsing =====

func TestParseCreateMarket(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id":        commandID,
		"market":            "ETH-USD",
		"initial_price_x18": "2000000000000000000000",
		"params": map[string]interface{}{
			"fee_ratio":                3000,
			"insurance_fund_fee_ratio": 100000,
			"tick_spacing":             60,
			"im_ratio":                 100000,
		},
		"sequence":  int64(1),
		"timestamp": int64(1_700_000_000),
	})

	cmd, err := ingestion.ParseCommand("CreateMarket", data)
	require.NoError(t, err)

	cm, ok := cmd.(*command.CreateMarket)
	require.True(t, ok, "got %T", cmd)
	assert.Equal(t, "ETH-USD", cm.Market)
	assert.Equal(t, "2000000000000000000000", cm.InitialPriceX18.String())
	assert.Equal(t, uint32(3000), cm.Params.FeeRatio)
	assert.Equal(t, int32(60), cm.Params.TickSpacing)
	assert.Equal(t, int64(1), cm.SourceSequence())
	assert.Equal(t, int64(1_700_000_000), cm.Timestamp())
	assert.Equal(t, commandID, cm.IdempotencyKey())
}

func TestParseCreateMarket_DefaultParams(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id":        commandID,
		"market":            "BTC-USD",
		"initial_price_x18": "1000000000000000000",
	})
	cmd, err := ingestion.ParseCommand("CreateMarket", data)
	require.NoError(t, err)
	assert.Equal(t, exchange.DefaultMarketParams, cmd.(*command.CreateMarket).Params)
}

func TestParseUpdateIndexPrice(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"market":         "ETH-USD",
		"price_x18":      "1990000000000000000000",
		"price_sequence": int64(42),
		"timestamp":      int64(1_700_000_060),
	})
	cmd, err := ingestion.ParseCommand("UpdateIndexPrice", data)
	require.NoError(t, err)

	u := cmd.(*command.UpdateIndexPrice)
	assert.Equal(t, int64(42), u.PriceSequence)
	assert.Equal(t, "ETH-USD:index:42", u.IdempotencyKey())
	assert.Equal(t, "1990000000000000000000", u.PriceX18.String())
}

func TestParseDepositWithdraw(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": commandID,
		"trader":     traderID,
		"amount":     int64(1_000_000),
		"sequence":   int64(3),
		"timestamp":  int64(1_700_000_000),
	}

	cmd, err := ingestion.ParseCommand("Deposit", mustJSON(t, payload))
	require.NoError(t, err)
	d := cmd.(*command.Deposit)
	assert.Equal(t, uuid.MustParse(traderID), d.Trader)
	assert.Equal(t, int64(1_000_000), d.Amount)
	assert.Nil(t, d.MarketID())

	cmd, err = ingestion.ParseCommand("Withdraw", mustJSON(t, payload))
	require.NoError(t, err)
	assert.Equal(t, command.CommandTypeWithdraw, cmd.CommandType())
}

func TestParseAddLiquidity_OptionalAmountsDefaultZero(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id": commandID,
		"trader":     traderID,
		"market":     "ETH-USD",
		"lower_tick": -600,
		"upper_tick": 600,
		"base":       "1000000000000000000",
	})
	cmd, err := ingestion.ParseCommand("AddLiquidity", data)
	require.NoError(t, err)

	a := cmd.(*command.AddLiquidity)
	assert.Equal(t, int32(-600), a.LowerTick)
	assert.Equal(t, int32(600), a.UpperTick)
	assert.Equal(t, "1000000000000000000", a.Base.String())
	assert.Zero(t, a.Quote.Sign())
	assert.Zero(t, a.MinBase.Sign())
	assert.Zero(t, a.MinQuote.Sign())
}

func TestParseRemoveLiquidity(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id": commandID,
		"trader":     traderID,
		"market":     "ETH-USD",
		"lower_tick": -600,
		"upper_tick": 600,
		"liquidity":  "0",
		"deadline":   int64(1_700_000_100),
	})
	cmd, err := ingestion.ParseCommand("RemoveLiquidity", data)
	require.NoError(t, err)

	r := cmd.(*command.RemoveLiquidity)
	assert.Zero(t, r.Liquidity.Sign())
	assert.Equal(t, int64(1_700_000_100), r.Deadline)
}

func TestParseOpenPosition(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id":            commandID,
		"trader":                traderID,
		"market":                "ETH-USD",
		"is_base_to_quote":      false,
		"is_exact_input":        true,
		"amount":                "50000000000000000000",
		"opposite_amount_bound": "49000000000000000000",
		"referral_code":         "ref-1",
		"sequence":              int64(9),
		"timestamp":             int64(1_700_000_000),
	})
	cmd, err := ingestion.ParseCommand("OpenPosition", data)
	require.NoError(t, err)

	o := cmd.(*command.OpenPosition)
	assert.False(t, o.IsBaseToQuote)
	assert.True(t, o.IsExactInput)
	assert.Equal(t, 0, o.Amount.Cmp(new(big.Int).Mul(big.NewInt(50), big.NewInt(1e18))))
	assert.Equal(t, "49000000000000000000", o.OppositeAmountBound.String())
	assert.Zero(t, o.SqrtPriceLimitX96.Sign())
	assert.Equal(t, "ref-1", o.ReferralCode)
	assert.Equal(t, "ETH-USD", *o.MarketID())
}

func TestParseClosePosition(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id":           commandID,
		"trader":               traderID,
		"market":               "ETH-USD",
		"sqrt_price_limit_x96": "79228162514264337593543950336",
	})
	cmd, err := ingestion.ParseCommand("ClosePosition", data)
	require.NoError(t, err)
	assert.Equal(t, "79228162514264337593543950336", cmd.(*command.ClosePosition).SqrtPriceLimitX96.String())
}

// The core logs commands in their own JSON form; parsing must preserve
// every field that form carries.
func TestParseOpenPosition_MatchesLoggedEncoding(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"command_id": commandID,
		"trader":     traderID,
		"market":     "ETH-USD",
		"amount":     "7",
		"timestamp":  int64(5),
	})
	cmd, err := ingestion.ParseCommand("OpenPosition", data)
	require.NoError(t, err)

	encoded, err := command.Encode(cmd)
	require.NoError(t, err)
	decoded, err := command.Decode(command.CommandTypeOpenPosition, encoded)
	require.NoError(t, err)
	reencoded, err := command.Encode(decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(encoded), string(reencoded))

	o := decoded.(*command.OpenPosition)
	assert.Equal(t, "7", o.Amount.String())
	assert.Equal(t, int64(5), o.Time)
}

func TestParse_Failures(t *testing.T) {
	cases := []struct {
		name        string
		commandType string
		payload     string
	}{
		{"unknown type", "Liquidate", `{}`},
		{"invalid json", "Deposit", `{not json`},
		{"invalid uuid", "Deposit", `{"command_id":"nope","trader":"` + traderID + `","amount":1}`},
		{"nil uuid", "Deposit", `{"command_id":"00000000-0000-0000-0000-000000000000","trader":"` + traderID + `","amount":1}`},
		{"non-positive amount", "Withdraw", `{"command_id":"` + commandID + `","trader":"` + traderID + `","amount":0}`},
		{"missing market", "OpenPosition", `{"command_id":"` + commandID + `","trader":"` + traderID + `","amount":"1"}`},
		{"missing amount", "OpenPosition", `{"command_id":"` + commandID + `","trader":"` + traderID + `","market":"ETH-USD"}`},
		{"non-integer amount", "AddLiquidity", `{"command_id":"` + commandID + `","trader":"` + traderID + `","market":"ETH-USD","base":"1.5"}`},
		{"negative amount", "RemoveLiquidity", `{"command_id":"` + commandID + `","trader":"` + traderID + `","market":"ETH-USD","liquidity":"-1"}`},
		{"zero price sequence", "UpdateIndexPrice", `{"market":"ETH-USD","price_x18":"1","price_sequence":0}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tc.commandType, []byte(tc.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrInvalidInput)
		})
	}
}

func TestCommandTypeFromSubject(t *testing.T) {
	ct, err := ingestion.CommandTypeFromSubject("perp.clearing.commands.OpenPosition.ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "OpenPosition", ct)

	_, err = ingestion.CommandTypeFromSubject("perp.trades.ETH-USD")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestEventSubject(t *testing.T) {
	m := "ETH-USD"
	assert.Equal(t, "perp.clearing.events.PositionChanged.ETH-USD",
		ingestion.EventSubject(outbox.Record{EventType: "PositionChanged", MarketID: &m}))
	assert.Equal(t, "perp.clearing.events.CollateralDeposited.global",
		ingestion.EventSubject(outbox.Record{EventType: "CollateralDeposited"}))
}

// ===== Test: Message disposition =====

type fakeSubmitter struct {
	err       error
	submitted []command.Command
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd command.Command) (*core.Result, error) {
	f.submitted = append(f.submitted, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Result{Sequence: int64(len(f.submitted))}, nil
}

func TestProcess_Dispositions(t *testing.T) {
	deposit := mustJSON(t, map[string]interface{}{
		"command_id": commandID,
		"trader":     traderID,
		"amount":     int64(1_000_000),
	})
	subject := "perp.clearing.commands.Deposit.global"

	cases := []struct {
		name    string
		subject string
		data    []byte
		err     error
		want    ingestion.Disposition
		submits int
	}{
		{"applied", subject, deposit, nil, ingestion.Ack, 1},
		{"domain rejection", subject, deposit, fmt.Errorf("withdraw: %w", errs.ErrInsufficientCollateral), ingestion.Ack, 1},
		{"sequence gap", subject, deposit, fmt.Errorf("sequence validation failed: %w", core.ErrSequence), ingestion.Nak, 1},
		{"core stopped", subject, deposit, core.ErrStopped, ingestion.Nak, 1},
		{"unexpected failure", subject, deposit, errors.New("boom"), ingestion.Nak, 1},
		{"bad subject", "perp.other.Deposit", deposit, nil, ingestion.Term, 0},
		{"bad payload", subject, []byte(`{`), nil, ingestion.Term, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tc.err}
			ns := ingestion.NewNATSSubscriber(nil, sub, nil, zerolog.Nop())
			got := ns.Process(context.Background(), tc.subject, tc.data)
			assert.Equal(t, tc.want, got)
			assert.Len(t, sub.submitted, tc.submits)
		})
	}
}
