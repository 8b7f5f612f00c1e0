package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"PerpClearing/internal/command"
	"PerpClearing/internal/core"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/ingestion"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ClearingServiceName = "perpclearing.v1.ClearingService"

// Core is the running clearing core as seen from request goroutines.
type Core interface {
	Submit(ctx context.Context, cmd command.Command) (*core.Result, error)
	Query(ctx context.Context, fn func(c *core.DeterministicCore)) error
}

// Invoker dispatches a JSON request to a named method.
type Invoker interface {
	Invoke(ctx context.Context, method string, req json.RawMessage) (any, error)
}

type handlerFunc func(ctx context.Context, req json.RawMessage) (any, error)

// CommandResponse acknowledges an applied command.
type CommandResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
	Result    any    `json:"result,omitempty"`
}

type PositionResponse struct {
	Trader            uuid.UUID `json:"trader"`
	Market            string    `json:"market"`
	Size              string    `json:"size"`
	OpenNotional      string    `json:"open_notional"`
	OwedRealizedPnl   string    `json:"owed_realized_pnl"`
	LastFundingGrowth string    `json:"last_funding_growth_x18"`
}

type OpenOrderResponse struct {
	OrderID    string    `json:"order_id"`
	Trader     uuid.UUID `json:"trader"`
	Market     string    `json:"market"`
	LowerTick  int32     `json:"lower_tick"`
	UpperTick  int32     `json:"upper_tick"`
	Liquidity  string    `json:"liquidity"`
	BaseDebt   string    `json:"base_debt"`
	QuoteDebt  string    `json:"quote_debt"`
	PendingFee string    `json:"pending_fee"`
}

type FreeCollateralResponse struct {
	Trader         uuid.UUID `json:"trader"`
	FreeCollateral string    `json:"free_collateral"`
	AccountValue   string    `json:"account_value"`
	Requirement    string    `json:"margin_requirement"`
}

type traderMarketRequest struct {
	Trader  string `json:"trader"`
	Market  string `json:"market"`
	OrderID string `json:"order_id"`
}

// ClearingService exposes clearing operations and live core state over
// gRPC. Commands go through the same parser as NATS; reads run on the core
// goroutine and so are consistent with the last applied command.
type ClearingService struct {
	core    Core
	now     func() time.Time
	methods map[string]handlerFunc
	logger  zerolog.Logger
}

func NewClearingService(c Core, logger zerolog.Logger) *ClearingService {
	s := &ClearingService{core: c, now: time.Now, logger: logger}
	s.methods = map[string]handlerFunc{
		"GetPosition":       s.getPosition,
		"GetOpenOrder":      s.getOpenOrder,
		"GetOpenOrderIds":   s.getOpenOrderIDs,
		"GetFreeCollateral": s.getFreeCollateral,
	}
	for _, name := range []string{
		"CreateMarket", "UpdateIndexPrice",
		"Deposit", "Withdraw",
		"AddLiquidity", "RemoveLiquidity",
		"OpenPosition", "ClosePosition",
	} {
		s.methods[name] = s.submit(name)
	}
	return s
}

// Methods lists the service's method names.
func (s *ClearingService) Methods() []string {
	return sortedKeys(s.methods)
}

// Invoke runs one method and converts its error to a gRPC status.
func (s *ClearingService) Invoke(ctx context.Context, method string, req json.RawMessage) (any, error) {
	h, ok := s.methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}
	resp, err := h(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *ClearingService) submit(name string) handlerFunc {
	return func(ctx context.Context, req json.RawMessage) (any, error) {
		cmd, err := ingestion.ParseCommand(name, req)
		if err != nil {
			return nil, err
		}
		stampTime(cmd, s.now().Unix())

		res, err := s.core.Submit(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return &CommandResponse{
			Sequence:  res.Sequence,
			StateHash: hex.EncodeToString(res.StateHash[:]),
			Duplicate: res.Duplicate,
			Skipped:   res.Skipped,
			Result:    res.Value,
		}, nil
	}
}

// stampTime fills in the arrival time of a command that carries none.
// NATS commands are always timestamped by their producer.
func stampTime(cmd command.Command, now int64) {
	switch c := cmd.(type) {
	case *command.CreateMarket:
		if c.Time == 0 {
			c.Time = now
		}
	case *command.UpdateIndexPrice:
		if c.Time == 0 {
			c.Time = now
		}
	case *command.Deposit:
		if c.Time == 0 {
			c.Time = now
		}
	case *command.Withdraw:
		if c.Time == 0 {
			c.Time = now
		}
	case *command.AddLiquidity:
		if c.Time == 0 {
			c.Time = now
		}
	case *command.RemoveLiquidity:
		if c.Time == 0 {
			c.Time = now
		}
	case *command.OpenPosition:
		if c.Time == 0 {
			c.Time = now
		}
	case *command.ClosePosition:
		if c.Time == 0 {
			c.Time = now
		}
	}
}

func (s *ClearingService) getPosition(ctx context.Context, raw json.RawMessage) (any, error) {
	req, trader, err := decodeTraderRequest(raw)
	if err != nil {
		return nil, err
	}
	if req.Market == "" {
		return nil, errs.Invalid("market is required")
	}

	var resp *PositionResponse
	err = s.core.Query(ctx, func(c *core.DeterministicCore) {
		p, ok := c.House().Accounts().GetPosition(trader, req.Market)
		if !ok {
			return
		}
		resp = &PositionResponse{
			Trader:            trader,
			Market:            req.Market,
			Size:              p.Size.String(),
			OpenNotional:      p.OpenNotional.String(),
			OwedRealizedPnl:   p.OwedRealizedPnl.String(),
			LastFundingGrowth: p.LastFundingGrowthX18.String(),
		}
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, status.Errorf(codes.NotFound, "no position for trader %s in market %s", trader, req.Market)
	}
	return resp, nil
}

func (s *ClearingService) getOpenOrder(ctx context.Context, raw json.RawMessage) (any, error) {
	var req traderMarketRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errs.Invalid("parse request: %v", err)
	}
	if req.OrderID == "" {
		return nil, errs.Invalid("order_id is required")
	}

	var (
		resp   *OpenOrderResponse
		getErr error
	)
	err := s.core.Query(ctx, func(c *core.DeterministicCore) {
		orders := c.House().Orders()
		o, ok := orders.GetOpenOrder(req.OrderID)
		if !ok {
			return
		}
		var fee *big.Int
		if fee, getErr = orders.PendingFee(req.OrderID); getErr != nil {
			return
		}
		resp = &OpenOrderResponse{
			OrderID:    o.ID,
			Trader:     o.Trader,
			Market:     o.Market,
			LowerTick:  o.LowerTick,
			UpperTick:  o.UpperTick,
			Liquidity:  o.Liquidity.String(),
			BaseDebt:   o.BaseDebt.String(),
			QuoteDebt:  o.QuoteDebt.String(),
			PendingFee: fee.String(),
		}
	})
	if err == nil {
		err = getErr
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, status.Errorf(codes.NotFound, "no open order %s", req.OrderID)
	}
	return resp, nil
}

func (s *ClearingService) getOpenOrderIDs(ctx context.Context, raw json.RawMessage) (any, error) {
	req, trader, err := decodeTraderRequest(raw)
	if err != nil {
		return nil, err
	}
	if req.Market == "" {
		return nil, errs.Invalid("market is required")
	}

	ids := []string{}
	err = s.core.Query(ctx, func(c *core.DeterministicCore) {
		ids = append(ids, c.House().Orders().GetOpenOrderIDs(trader, req.Market)...)
	})
	if err != nil {
		return nil, err
	}
	return map[string][]string{"order_ids": ids}, nil
}

func (s *ClearingService) getFreeCollateral(ctx context.Context, raw json.RawMessage) (any, error) {
	_, trader, err := decodeTraderRequest(raw)
	if err != nil {
		return nil, err
	}

	var resp *FreeCollateralResponse
	var getErr error
	err = s.core.Query(ctx, func(c *core.DeterministicCore) {
		summary, err := c.House().AccountSummary(trader)
		if err != nil {
			getErr = err
			return
		}
		resp = &FreeCollateralResponse{
			Trader:         trader,
			FreeCollateral: summary.FreeCollateral.String(),
			AccountValue:   summary.AccountValue.String(),
			Requirement:    summary.MarginRequirement.String(),
		}
	})
	if err == nil {
		err = getErr
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeTraderRequest(raw json.RawMessage) (traderMarketRequest, uuid.UUID, error) {
	var req traderMarketRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, uuid.Nil, errs.Invalid("parse request: %v", err)
	}
	trader, err := uuid.Parse(req.Trader)
	if err != nil {
		return req, uuid.Nil, errs.Invalid("parse trader: %v", err)
	}
	return req, trader, nil
}

// toStatus maps domain failure kinds to gRPC codes. Errors that already
// carry a status pass through.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, core.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, core.ErrSequence):
		return status.Error(codes.FailedPrecondition, err.Error())
	}

	var code codes.Code
	switch errs.Kind(err) {
	case "invalid_input":
		code = codes.InvalidArgument
	case "slippage_exceeded", "price_limit_reached":
		code = codes.Aborted
	case "insufficient_liquidity", "insufficient_collateral", "market_limit_exceeded", "deadline_expired":
		code = codes.FailedPrecondition
	case "numeric_overflow":
		code = codes.OutOfRange
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
