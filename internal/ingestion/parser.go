package ingestion

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"PerpClearing/internal/command"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/exchange"

	"github.com/google/uuid"
)

// ParseCommand converts a JSON wire payload into a typed command.
// commandType is the command's name, e.g. "OpenPosition". Every failure
// wraps errs.ErrInvalidInput.
func ParseCommand(commandType string, data []byte) (command.Command, error) {
	switch commandType {
	case "CreateMarket":
		return parseCreateMarket(data)
	case "UpdateIndexPrice":
		return parseUpdateIndexPrice(data)
	case "Deposit":
		return parseDeposit(data)
	case "Withdraw":
		return parseWithdraw(data)
	case "AddLiquidity":
		return parseAddLiquidity(data)
	case "RemoveLiquidity":
		return parseRemoveLiquidity(data)
	case "OpenPosition":
		return parseOpenPosition(data)
	case "ClosePosition":
		return parseClosePosition(data)
	default:
		return nil, errs.Invalid("unknown command type: %s", commandType)
	}
}

// CommandTypeFromSubject extracts the command name from
// perp.clearing.commands.{type}.{market}.
func CommandTypeFromSubject(subject string) (string, error) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 || parts[0] != "perp" || parts[1] != "clearing" || parts[2] != "commands" {
		return "", errs.Invalid("unexpected subject %q", subject)
	}
	return parts[3], nil
}

// --- JSON wire formats ---
// Amounts with 18 decimals travel as decimal strings so producers in any
// language can emit them without precision loss. Collateral amounts (6
// decimals) and ticks are plain numbers. Times are unix seconds.

type marketParamsJSON struct {
	FeeRatio              uint32 `json:"fee_ratio"`
	InsuranceFundFeeRatio uint32 `json:"insurance_fund_fee_ratio"`
	TickSpacing           int32  `json:"tick_spacing"`
	IMRatio               uint32 `json:"im_ratio"`
	MaxTicksCrossed       uint32 `json:"max_ticks_crossed"`
}

type createMarketJSON struct {
	CommandID    string            `json:"command_id"`
	Market       string            `json:"market"`
	InitialPrice string            `json:"initial_price_x18"`
	Params       *marketParamsJSON `json:"params"`
	Sequence     int64             `json:"sequence"`
	Timestamp    int64             `json:"timestamp"`
}

func parseCreateMarket(data []byte) (*command.CreateMarket, error) {
	var j createMarketJSON
	if err := unmarshal("CreateMarket", data, &j); err != nil {
		return nil, err
	}
	id, err := parseUUID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	if j.Market == "" {
		return nil, errs.Invalid("market is required")
	}
	price, err := parseAmount("initial_price_x18", j.InitialPrice, true)
	if err != nil {
		return nil, err
	}

	params := exchange.DefaultMarketParams
	if j.Params != nil {
		params = exchange.MarketParams{
			FeeRatio:              j.Params.FeeRatio,
			InsuranceFundFeeRatio: j.Params.InsuranceFundFeeRatio,
			TickSpacing:           j.Params.TickSpacing,
			IMRatio:               j.Params.IMRatio,
			MaxTicksCrossed:       j.Params.MaxTicksCrossed,
		}
	}

	return &command.CreateMarket{
		CommandID:       id,
		Market:          j.Market,
		InitialPriceX18: price,
		Params:          params,
		Sequence:        j.Sequence,
		Time:            j.Timestamp,
	}, nil
}

type indexPriceJSON struct {
	Market        string `json:"market"`
	Price         string `json:"price_x18"`
	PriceSequence int64  `json:"price_sequence"`
	Timestamp     int64  `json:"timestamp"`
}

func parseUpdateIndexPrice(data []byte) (*command.UpdateIndexPrice, error) {
	var j indexPriceJSON
	if err := unmarshal("UpdateIndexPrice", data, &j); err != nil {
		return nil, err
	}
	if j.Market == "" {
		return nil, errs.Invalid("market is required")
	}
	if j.PriceSequence <= 0 {
		return nil, errs.Invalid("price_sequence must be positive, got %d", j.PriceSequence)
	}
	price, err := parseAmount("price_x18", j.Price, true)
	if err != nil {
		return nil, err
	}
	return &command.UpdateIndexPrice{
		Market:        j.Market,
		PriceX18:      price,
		PriceSequence: j.PriceSequence,
		Time:          j.Timestamp,
	}, nil
}

type collateralJSON struct {
	CommandID string `json:"command_id"`
	Trader    string `json:"trader"`
	Amount    int64  `json:"amount"` // 6 decimals
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseCollateral(name string, data []byte) (collateralJSON, uuid.UUID, uuid.UUID, error) {
	var j collateralJSON
	if err := unmarshal(name, data, &j); err != nil {
		return j, uuid.Nil, uuid.Nil, err
	}
	id, err := parseUUID("command_id", j.CommandID)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, err
	}
	trader, err := parseUUID("trader", j.Trader)
	if err != nil {
		return j, uuid.Nil, uuid.Nil, err
	}
	if j.Amount <= 0 {
		return j, uuid.Nil, uuid.Nil, errs.Invalid("amount must be positive, got %d", j.Amount)
	}
	return j, id, trader, nil
}

func parseDeposit(data []byte) (*command.Deposit, error) {
	j, id, trader, err := parseCollateral("Deposit", data)
	if err != nil {
		return nil, err
	}
	return &command.Deposit{CommandID: id, Trader: trader, Amount: j.Amount, Sequence: j.Sequence, Time: j.Timestamp}, nil
}

func parseWithdraw(data []byte) (*command.Withdraw, error) {
	j, id, trader, err := parseCollateral("Withdraw", data)
	if err != nil {
		return nil, err
	}
	return &command.Withdraw{CommandID: id, Trader: trader, Amount: j.Amount, Sequence: j.Sequence, Time: j.Timestamp}, nil
}

type addLiquidityJSON struct {
	CommandID string `json:"command_id"`
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	LowerTick int32  `json:"lower_tick"`
	UpperTick int32  `json:"upper_tick"`
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	MinBase   string `json:"min_base"`
	MinQuote  string `json:"min_quote"`
	Deadline  int64  `json:"deadline"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseAddLiquidity(data []byte) (*command.AddLiquidity, error) {
	var j addLiquidityJSON
	if err := unmarshal("AddLiquidity", data, &j); err != nil {
		return nil, err
	}
	id, trader, err := parseIdentity(j.CommandID, j.Trader, j.Market)
	if err != nil {
		return nil, err
	}
	amounts, err := parseAmounts(
		field{"base", j.Base}, field{"quote", j.Quote},
		field{"min_base", j.MinBase}, field{"min_quote", j.MinQuote},
	)
	if err != nil {
		return nil, err
	}
	return &command.AddLiquidity{
		CommandID: id,
		Trader:    trader,
		Market:    j.Market,
		LowerTick: j.LowerTick,
		UpperTick: j.UpperTick,
		Base:      amounts[0],
		Quote:     amounts[1],
		MinBase:   amounts[2],
		MinQuote:  amounts[3],
		Deadline:  j.Deadline,
		Sequence:  j.Sequence,
		Time:      j.Timestamp,
	}, nil
}

type removeLiquidityJSON struct {
	CommandID string `json:"command_id"`
	Trader    string `json:"trader"`
	Market    string `json:"market"`
	LowerTick int32  `json:"lower_tick"`
	UpperTick int32  `json:"upper_tick"`
	Liquidity string `json:"liquidity"`
	MinBase   string `json:"min_base"`
	MinQuote  string `json:"min_quote"`
	Deadline  int64  `json:"deadline"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
}

func parseRemoveLiquidity(data []byte) (*command.RemoveLiquidity, error) {
	var j removeLiquidityJSON
	if err := unmarshal("RemoveLiquidity", data, &j); err != nil {
		return nil, err
	}
	id, trader, err := parseIdentity(j.CommandID, j.Trader, j.Market)
	if err != nil {
		return nil, err
	}
	amounts, err := parseAmounts(
		field{"liquidity", j.Liquidity},
		field{"min_base", j.MinBase}, field{"min_quote", j.MinQuote},
	)
	if err != nil {
		return nil, err
	}
	return &command.RemoveLiquidity{
		CommandID: id,
		Trader:    trader,
		Market:    j.Market,
		LowerTick: j.LowerTick,
		UpperTick: j.UpperTick,
		Liquidity: amounts[0],
		MinBase:   amounts[1],
		MinQuote:  amounts[2],
		Deadline:  j.Deadline,
		Sequence:  j.Sequence,
		Time:      j.Timestamp,
	}, nil
}

type openPositionJSON struct {
	CommandID           string `json:"command_id"`
	Trader              string `json:"trader"`
	Market              string `json:"market"`
	IsBaseToQuote       bool   `json:"is_base_to_quote"`
	IsExactInput        bool   `json:"is_exact_input"`
	Amount              string `json:"amount"`
	OppositeAmountBound string `json:"opposite_amount_bound"`
	SqrtPriceLimitX96   string `json:"sqrt_price_limit_x96"`
	Deadline            int64  `json:"deadline"`
	ReferralCode        string `json:"referral_code"`
	Sequence            int64  `json:"sequence"`
	Timestamp           int64  `json:"timestamp"`
}

func parseOpenPosition(data []byte) (*command.OpenPosition, error) {
	var j openPositionJSON
	if err := unmarshal("OpenPosition", data, &j); err != nil {
		return nil, err
	}
	id, trader, err := parseIdentity(j.CommandID, j.Trader, j.Market)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount, true)
	if err != nil {
		return nil, err
	}
	bounds, err := parseAmounts(
		field{"opposite_amount_bound", j.OppositeAmountBound},
		field{"sqrt_price_limit_x96", j.SqrtPriceLimitX96},
	)
	if err != nil {
		return nil, err
	}
	return &command.OpenPosition{
		CommandID:           id,
		Trader:              trader,
		Market:              j.Market,
		IsBaseToQuote:       j.IsBaseToQuote,
		IsExactInput:        j.IsExactInput,
		Amount:              amount,
		OppositeAmountBound: bounds[0],
		SqrtPriceLimitX96:   bounds[1],
		Deadline:            j.Deadline,
		ReferralCode:        j.ReferralCode,
		Sequence:            j.Sequence,
		Time:                j.Timestamp,
	}, nil
}

type closePositionJSON struct {
	CommandID           string `json:"command_id"`
	Trader              string `json:"trader"`
	Market              string `json:"market"`
	OppositeAmountBound string `json:"opposite_amount_bound"`
	SqrtPriceLimitX96   string `json:"sqrt_price_limit_x96"`
	Deadline            int64  `json:"deadline"`
	ReferralCode        string `json:"referral_code"`
	Sequence            int64  `json:"sequence"`
	Timestamp           int64  `json:"timestamp"`
}

func parseClosePosition(data []byte) (*command.ClosePosition, error) {
	var j closePositionJSON
	if err := unmarshal("ClosePosition", data, &j); err != nil {
		return nil, err
	}
	id, trader, err := parseIdentity(j.CommandID, j.Trader, j.Market)
	if err != nil {
		return nil, err
	}
	bounds, err := parseAmounts(
		field{"opposite_amount_bound", j.OppositeAmountBound},
		field{"sqrt_price_limit_x96", j.SqrtPriceLimitX96},
	)
	if err != nil {
		return nil, err
	}
	return &command.ClosePosition{
		CommandID:           id,
		Trader:              trader,
		Market:              j.Market,
		OppositeAmountBound: bounds[0],
		SqrtPriceLimitX96:   bounds[1],
		Deadline:            j.Deadline,
		ReferralCode:        j.ReferralCode,
		Sequence:            j.Sequence,
		Time:                j.Timestamp,
	}, nil
}

// --- helpers ---

func unmarshal(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", errs.ErrInvalidInput, name, err)
	}
	return nil
}

func parseUUID(name, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse %s: %v", errs.ErrInvalidInput, name, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, errs.Invalid("%s must not be nil", name)
	}
	return id, nil
}

func parseIdentity(commandID, trader, market string) (uuid.UUID, uuid.UUID, error) {
	id, err := parseUUID("command_id", commandID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	t, err := parseUUID("trader", trader)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if market == "" {
		return uuid.Nil, uuid.Nil, errs.Invalid("market is required")
	}
	return id, t, nil
}

// parseAmount parses a non-negative base-10 integer. An empty optional
// field is zero.
func parseAmount(name, s string, required bool) (*big.Int, error) {
	if s == "" {
		if required {
			return nil, errs.Invalid("%s is required", name)
		}
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errs.Invalid("%s: not an integer: %q", name, s)
	}
	if v.Sign() < 0 {
		return nil, errs.Invalid("%s must not be negative, got %s", name, s)
	}
	return v, nil
}

type field struct {
	name  string
	value string
}

func parseAmounts(fields ...field) ([]*big.Int, error) {
	out := make([]*big.Int, len(fields))
	for i, f := range fields {
		v, err := parseAmount(f.name, f.value, false)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
