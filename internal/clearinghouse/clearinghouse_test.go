package clearinghouse_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClearing/internal/accountbalance"
	"PerpClearing/internal/clearinghouse"
	"PerpClearing/internal/command"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/event"
	"PerpClearing/internal/exchange"
	"PerpClearing/internal/ledger"
	fpmath "PerpClearing/internal/math"
	"PerpClearing/internal/oracle"
	"PerpClearing/internal/orderbook"
	"PerpClearing/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ethMarket = "ETH-USD"
	btcMarket = "BTC-USD"
)

var (
	makerA = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	makerB = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	taker  = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
	taker2 = uuid.MustParse("00000000-0000-0000-0000-0000000000c2")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), fpmath.One18)
}

func usdc(n int64) int64 { return n * 1_000_000 }

func testParams(feeRatio uint32) exchange.MarketParams {
	return exchange.MarketParams{
		FeeRatio:              feeRatio,
		InsuranceFundFeeRatio: 100_000,
		TickSpacing:           60,
		IMRatio:               100_000,
	}
}

func within(t *testing.T, want, got *big.Int, tolerance int64, msg string) {
	t.Helper()
	d := new(big.Int).Sub(want, got)
	assert.True(t, d.Abs(d).Cmp(big.NewInt(tolerance)) <= 0, "%s: want %s got %s", msg, want, got)
}

func eventsOf[T event.Event](events []event.Event) []T {
	var out []T
	for _, e := range events {
		if v, ok := e.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

type harness struct {
	t   *testing.T
	ch  *clearinghouse.ClearingHouse
	now int64
}

func newHarness(t *testing.T, params exchange.MarketParams, cfg clearinghouse.Config) *harness {
	t.Helper()
	ex := exchange.New(3600)
	ch := clearinghouse.New(
		cfg,
		ex,
		orderbook.New(ex),
		accountbalance.New(big.NewInt(10_000_000_000)),
		vault.New(ledger.NewBalanceTracker(), 1),
		oracle.New(0),
		zerolog.Nop(),
	)
	h := &harness{t: t, ch: ch, now: 1_000}
	h.createMarket(ethMarket, params)
	return h
}

func (h *harness) createMarket(marketID string, params exchange.MarketParams) {
	h.t.Helper()
	require.NoError(h.t, h.ch.CreateMarket(&command.CreateMarket{
		CommandID:       uuid.New(),
		Market:          marketID,
		InitialPriceX18: e18(1),
		Params:          params,
		Time:            h.now,
	}))
}

func (h *harness) deposit(trader uuid.UUID, amount int64) {
	h.t.Helper()
	require.NoError(h.t, h.ch.Deposit(&command.Deposit{
		CommandID: uuid.New(),
		Trader:    trader,
		Amount:    amount,
		Time:      h.now,
	}))
}

func (h *harness) withdraw(trader uuid.UUID, amount int64) (ledger.PnLSettlement, error) {
	return h.ch.Withdraw(&command.Withdraw{
		CommandID: uuid.New(),
		Trader:    trader,
		Amount:    amount,
		Time:      h.now,
	})
}

func (h *harness) addLiquidity(trader uuid.UUID, marketID string, lower, upper int32, base, quote *big.Int) *orderbook.AddLiquidityResult {
	h.t.Helper()
	res, err := h.ch.AddLiquidity(&command.AddLiquidity{
		CommandID: uuid.New(),
		Trader:    trader,
		Market:    marketID,
		LowerTick: lower,
		UpperTick: upper,
		Base:      base,
		Quote:     quote,
		Time:      h.now,
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) removeLiquidity(trader uuid.UUID, lower, upper int32, liquidity *big.Int) (*clearinghouse.RemoveLiquidityResult, error) {
	return h.ch.RemoveLiquidity(&command.RemoveLiquidity{
		CommandID: uuid.New(),
		Trader:    trader,
		Market:    ethMarket,
		LowerTick: lower,
		UpperTick: upper,
		Liquidity: liquidity,
		Time:      h.now,
	})
}

func (h *harness) open(trader uuid.UUID, marketID string, isBaseToQuote, isExactInput bool, amount *big.Int) (*clearinghouse.PositionResult, error) {
	return h.ch.OpenPosition(&command.OpenPosition{
		CommandID:     uuid.New(),
		Trader:        trader,
		Market:        marketID,
		IsBaseToQuote: isBaseToQuote,
		IsExactInput:  isExactInput,
		Amount:        amount,
		Time:          h.now,
	})
}

func (h *harness) mustOpen(trader uuid.UUID, isBaseToQuote, isExactInput bool, amount *big.Int) *clearinghouse.PositionResult {
	h.t.Helper()
	res, err := h.open(trader, ethMarket, isBaseToQuote, isExactInput, amount)
	require.NoError(h.t, err)
	return res
}

func (h *harness) close(trader uuid.UUID, marketID string) *clearinghouse.PositionResult {
	h.t.Helper()
	res, err := h.ch.ClosePosition(&command.ClosePosition{
		CommandID: uuid.New(),
		Trader:    trader,
		Market:    marketID,
		Time:      h.now,
	})
	require.NoError(h.t, err)
	return res
}

func (h *harness) orderLiquidity(trader uuid.UUID, lower, upper int32) *big.Int {
	h.t.Helper()
	order, ok := h.ch.Orders().GetOpenOrder(orderbook.OrderID(trader, ethMarket, lower, upper))
	require.True(h.t, ok)
	return order.Liquidity
}

// seed gives the market 1000/1000 of liquidity around the price.
func (h *harness) seed() {
	h.t.Helper()
	h.deposit(makerA, usdc(10_000))
	h.addLiquidity(makerA, ethMarket, -600, 600, e18(1000), e18(1000))
	h.ch.Drain()
}

type state struct {
	Markets   []exchange.MarketSnapshot
	Orders    []orderbook.OrderState
	Accounts  []accountbalance.AccountState
	Balances  []ledger.BalanceEntry
	Insurance int64
}

func (h *harness) state() state {
	return state{
		Markets:   h.ch.Exchange().Export(),
		Orders:    h.ch.Orders().Export(),
		Accounts:  h.ch.Accounts().Export(),
		Balances:  h.ch.Vault().Tracker().Snapshot(),
		Insurance: h.ch.Vault().InsuranceFundBalance(),
	}
}

// ===== Test: Market creation =====

func TestCreateMarket(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{})
	events, batches := h.ch.Drain()
	assert.Empty(t, batches)
	created := eventsOf[*event.MarketCreated](events)
	require.Len(t, created, 1)
	assert.Equal(t, fpmath.Q96.String(), created[0].SqrtPriceX96.String())
	assert.Equal(t, int32(0), created[0].Tick)

	err := h.ch.CreateMarket(&command.CreateMarket{Market: ethMarket, InitialPriceX18: e18(1), Params: testParams(1_000)})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput), "duplicate market")

	err = h.ch.CreateMarket(&command.CreateMarket{Market: btcMarket, InitialPriceX18: big.NewInt(0), Params: testParams(1_000)})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput), "zero price")
	assert.False(t, h.ch.Exchange().HasMarket(btcMarket))
}

// ===== Test: Full close realizes N' - N - fee =====

func TestOpenPosition_CostBasisLinearity(t *testing.T) {
	for _, feeRatio := range []uint32{0, 1_000, 3_000} {
		h := newHarness(t, testParams(feeRatio), clearinghouse.Config{})
		h.seed()
		h.deposit(taker, usdc(100))

		opened := h.mustOpen(taker, false, true, e18(50))
		assert.Equal(t, opened.DeltaQuote.String(), h.ch.Accounts().GetOpenNotional(taker, ethMarket).String())
		closed := h.close(taker, ethMarket)

		assert.Equal(t, new(big.Int).Neg(opened.DeltaBase).String(), closed.DeltaBase.String(), "fee=%d", feeRatio)
		assert.Equal(t, 0, h.ch.Accounts().GetPositionSize(taker, ethMarket).Sign())
		assert.Equal(t, 0, h.ch.Accounts().GetOpenNotional(taker, ethMarket).Sign())

		// N' - N - fees
		want := new(big.Int).Add(closed.DeltaQuote, opened.DeltaQuote)
		want.Sub(want, opened.Fee)
		want.Sub(want, closed.Fee)
		owed := h.ch.Accounts().GetOwedRealizedPnl(taker, ethMarket)
		assert.Equal(t, want.String(), owed.String(), "fee=%d", feeRatio)
		assert.Equal(t, owed.String(), new(big.Int).Add(opened.RealizedPnl, closed.RealizedPnl).String())
		if feeRatio == 0 {
			assert.Equal(t, 0, opened.Fee.Sign())
			assert.Equal(t, 0, closed.Fee.Sign())
		} else {
			assert.True(t, opened.Fee.Sign() > 0 && closed.Fee.Sign() > 0)
		}
		assert.Empty(t, h.ch.Accounts().ActiveMarkets(taker), "closed market is deregistered")
	}
}

// ===== Test: Exact input and exact output are inverses =====

func TestOpenPosition_ExactInputOutputInverse(t *testing.T) {
	for _, baseToQuote := range []bool{false, true} {
		fwd := newHarness(t, testParams(1_000), clearinghouse.Config{})
		back := newHarness(t, testParams(1_000), clearinghouse.Config{})
		for _, h := range []*harness{fwd, back} {
			h.seed()
			h.deposit(taker, usdc(100))
		}

		in := e18(20)
		out := fwd.mustOpen(taker, baseToQuote, true, in)
		res := back.mustOpen(taker, baseToQuote, false, out.Opposite)

		within(t, in, res.Opposite, 10, "exact-out input")
		assert.Equal(t, out.DeltaBase.Sign(), res.DeltaBase.Sign())
	}
}

// ===== Test: Reverse-position flip =====

func TestOpenPosition_ReverseFlip(t *testing.T) {
	h := newHarness(t, testParams(0), clearinghouse.Config{})
	h.seed()
	h.deposit(taker, usdc(100))

	// long of notional 2
	long := h.mustOpen(taker, false, true, e18(2))
	assert.Equal(t, e18(-2).String(), long.DeltaQuote.String())
	size := long.DeltaBase

	// short of notional 10 against it
	short := h.mustOpen(taker, true, false, e18(10))
	require.Equal(t, e18(10).String(), short.DeltaQuote.String())
	sold := fpmath.Abs(short.DeltaBase)
	require.True(t, sold.Cmp(size) > 0)

	closingQuote := fpmath.MulDiv(short.DeltaQuote, size, sold, fpmath.RoundDown)
	wantRealized := new(big.Int).Add(long.DeltaQuote, closingQuote)
	assert.Equal(t, wantRealized.String(), short.RealizedPnl.String())

	wantSize := new(big.Int).Add(size, short.DeltaBase)
	assert.Equal(t, -1, wantSize.Sign())
	assert.Equal(t, wantSize.String(), short.NewSize.String())

	// the unfilled fraction of the short carries over as open notional
	residual := fpmath.MulDiv(short.DeltaQuote, fpmath.Abs(wantSize), sold, fpmath.RoundDown)
	within(t, residual, short.NewOpenNotional, 1, "residual open notional")
	assert.Equal(t, new(big.Int).Sub(short.DeltaQuote, closingQuote).String(), short.NewOpenNotional.String())
}

// ===== Test: Removal moves the impermanent position into the taker position =====

func TestRemoveLiquidity_CrystallizesImpermanentPosition(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{})
	h.seed()
	h.deposit(makerB, usdc(10_000))
	h.addLiquidity(makerB, ethMarket, -600, 600, e18(1000), e18(1000))
	h.deposit(taker, usdc(100))

	// takers sell base: makers end up long
	h.mustOpen(taker, true, true, e18(20))

	impBase, impQuote, err := h.ch.Orders().ImpermanentPosition(makerA, ethMarket)
	require.NoError(t, err)
	require.True(t, impBase.Sign() > 0 && impQuote.Sign() < 0)
	within(t, e18(10), impBase, 1_000_000_000_000_000, "half the taker's base")
	pending, err := h.ch.Orders().TotalPendingFee(makerA, ethMarket)
	require.NoError(t, err)
	require.True(t, pending.Sign() > 0)

	liquidity := h.orderLiquidity(makerA, -600, 600)
	half := new(big.Int).Div(liquidity, big.NewInt(2))

	partial, err := h.removeLiquidity(makerA, -600, 600, half)
	require.NoError(t, err)
	assert.False(t, partial.Closed)
	within(t, new(big.Int).Div(impBase, big.NewInt(2)), h.ch.Accounts().GetPositionSize(makerA, ethMarket), 100, "size after half")
	within(t, new(big.Int).Div(impQuote, big.NewInt(2)), h.ch.Accounts().GetOpenNotional(makerA, ethMarket), 100, "notional after half")
	assert.Equal(t, pending.String(), h.ch.Accounts().GetOwedRealizedPnl(makerA, ethMarket).String(), "fee collected")

	full, err := h.removeLiquidity(makerA, -600, 600, h.orderLiquidity(makerA, -600, 600))
	require.NoError(t, err)
	assert.True(t, full.Closed)
	within(t, impBase, h.ch.Accounts().GetPositionSize(makerA, ethMarket), 100, "size after full")
	within(t, impQuote, h.ch.Accounts().GetOpenNotional(makerA, ethMarket), 100, "notional after full")
	assert.Equal(t, pending.String(), h.ch.Accounts().GetOwedRealizedPnl(makerA, ethMarket).String())
	assert.False(t, h.ch.Orders().HasOrders(makerA, ethMarket))
	assert.Equal(t, []string{ethMarket}, h.ch.Accounts().ActiveMarkets(makerA), "position keeps the market active")

	events, _ := h.ch.Drain()
	changes := eventsOf[*event.LiquidityChanged](events)
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.True(t, last.OrderClosed)
	assert.Equal(t, -1, last.Liquidity.Sign())
	assert.NotEmpty(t, eventsOf[*event.PositionChanged](events))
}

// ===== Test: Liquidity above the price earns once crossed =====

func TestTickCrossingFeeIsolation(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{})
	h.deposit(makerA, usdc(1_000))
	h.deposit(makerB, usdc(1_000))
	h.deposit(taker, usdc(1_000))
	h.addLiquidity(makerA, ethMarket, -600, 600, e18(30), e18(30))
	h.addLiquidity(makerB, ethMarket, 600, 1200, e18(30), nil)
	idA := orderbook.OrderID(makerA, ethMarket, -600, 600)
	idB := orderbook.OrderID(makerB, ethMarket, 600, 1200)

	res := h.mustOpen(taker, false, true, e18(5))
	assert.Equal(t, 0, res.TicksCrossed)
	feeA, err := h.ch.Orders().PendingFee(idA)
	require.NoError(t, err)
	feeB, err := h.ch.Orders().PendingFee(idB)
	require.NoError(t, err)
	assert.True(t, feeA.Sign() > 0)
	assert.Equal(t, 0, feeB.Sign(), "range above the price earned fees")

	res = h.mustOpen(taker, false, true, e18(50))
	assert.Equal(t, 1, res.TicksCrossed)
	feeB, err = h.ch.Orders().PendingFee(idB)
	require.NoError(t, err)
	assert.True(t, feeB.Sign() > 0, "range earns once the price is inside")

	// zero liquidity collects fees only
	collected, err := h.removeLiquidity(makerB, 600, 1200, new(big.Int))
	require.NoError(t, err)
	assert.False(t, collected.Closed)
	assert.Equal(t, feeB.String(), collected.Fee.String())
	assert.Equal(t, feeB.String(), h.ch.Accounts().GetOwedRealizedPnl(makerB, ethMarket).String())
	assert.Equal(t, 0, h.ch.Accounts().GetPositionSize(makerB, ethMarket).Sign())
	assert.True(t, h.ch.Orders().HasOrders(makerB, ethMarket))
}

// ===== Test: Conservation once everything is closed =====

func TestConservation(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{})
	deposits := map[uuid.UUID]int64{
		makerA: usdc(10_000),
		makerB: usdc(5_000),
		taker:  usdc(1_000),
		taker2: usdc(1_000),
	}
	for trader, amount := range deposits {
		h.deposit(trader, amount)
	}
	h.addLiquidity(makerA, ethMarket, -600, 600, e18(1000), e18(1000))
	h.addLiquidity(makerB, ethMarket, -1200, 1200, e18(500), e18(500))

	h.mustOpen(taker, false, true, e18(100))
	h.mustOpen(taker2, true, true, e18(40))
	h.mustOpen(taker, true, true, e18(30))
	h.mustOpen(taker2, false, false, e18(10))
	h.now += 60
	h.close(taker, ethMarket)
	h.close(taker2, ethMarket)

	for _, m := range []uuid.UUID{makerA, makerB} {
		for _, id := range h.ch.Orders().GetOpenOrderIDs(m, ethMarket) {
			order, _ := h.ch.Orders().GetOpenOrder(id)
			_, err := h.removeLiquidity(m, order.LowerTick, order.UpperTick, order.Liquidity)
			require.NoError(t, err)
		}
	}

	assert.Equal(t, 0, h.ch.Orders().OrderCount())
	total := new(big.Int)
	sumDeposits := int64(0)
	for trader, amount := range deposits {
		assert.Equal(t, 0, h.ch.Accounts().GetPositionSize(trader, ethMarket).Sign(), "trader %s", trader)
		free, err := h.ch.FreeCollateral(trader)
		require.NoError(t, err)
		total.Add(total, free)
		sumDeposits += amount
	}
	assert.True(t, h.ch.Vault().InsuranceFundBalance() > 0)
	total.Add(total, fpmath.CollateralToAmount(h.ch.Vault().InsuranceFundBalance()))

	within(t, fpmath.CollateralToAmount(sumDeposits), total, 10_000_000_000_000, "free collateral + insurance fund")
	require.NoError(t, h.ch.Vault().Validate(taker))
}

// ===== Test: Funding is zero-sum between takers and makers =====

func TestConservation_Funding(t *testing.T) {
	h := newHarness(t, testParams(0), clearinghouse.Config{})
	deposits := map[uuid.UUID]int64{
		makerA: usdc(10_000),
		makerB: usdc(5_000),
		taker:  usdc(1_000),
		taker2: usdc(1_000),
	}
	for trader, amount := range deposits {
		h.deposit(trader, amount)
	}
	h.addLiquidity(makerA, ethMarket, -600, 600, e18(1000), e18(1000))
	h.addLiquidity(makerB, ethMarket, -1200, 1200, e18(500), e18(500))
	h.addLiquidity(makerB, ethMarket, 600, 1800, e18(300), nil)

	require.NoError(t, h.ch.UpdateIndexPrice(&command.UpdateIndexPrice{
		Market: ethMarket, PriceX18: new(big.Int).Div(e18(9), big.NewInt(10)), PriceSequence: 1, Time: h.now,
	}))

	// the long pushes the price past tick 600, out of makerA's range
	opened := h.mustOpen(taker, false, true, e18(1500))
	require.Equal(t, 1, opened.TicksCrossed)
	pool, err := h.ch.Exchange().Pool(ethMarket)
	require.NoError(t, err)
	require.True(t, pool.Tick >= 600, "tick %d", pool.Tick)
	h.now += 1800
	h.mustOpen(taker2, true, true, e18(200))
	h.now += 1800
	h.close(taker, ethMarket)
	h.close(taker2, ethMarket)
	h.now += 600

	for _, m := range []uuid.UUID{makerA, makerB} {
		for _, id := range h.ch.Orders().GetOpenOrderIDs(m, ethMarket) {
			order, _ := h.ch.Orders().GetOpenOrder(id)
			_, err = h.removeLiquidity(m, order.LowerTick, order.UpperTick, order.Liquidity)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 0, h.ch.Orders().OrderCount())

	events, _ := h.ch.Drain()
	paid := map[uuid.UUID]*big.Int{}
	sum := new(big.Int)
	for _, ev := range eventsOf[*event.FundingPaymentSettled](events) {
		if paid[ev.Trader] == nil {
			paid[ev.Trader] = new(big.Int)
		}
		paid[ev.Trader].Add(paid[ev.Trader], ev.Payment)
		sum.Add(sum, ev.Payment)
	}
	require.NotNil(t, paid[taker])
	require.NotNil(t, paid[makerA])
	assert.True(t, paid[taker].Sign() > 0, "long taker pays when mark is above index")
	assert.True(t, paid[makerA].Sign() < 0, "maker short against the long receives")
	assert.True(t, sum.Sign() >= 0, "rounding never pays out more than it collects")
	within(t, new(big.Int), sum, 1_000_000, "funding paid by takers and makers")

	total := new(big.Int)
	sumDeposits := int64(0)
	for trader, amount := range deposits {
		assert.Equal(t, 0, h.ch.Accounts().GetPositionSize(trader, ethMarket).Sign(), "trader %s", trader)
		free, err := h.ch.FreeCollateral(trader)
		require.NoError(t, err)
		total.Add(total, free)
		sumDeposits += amount
	}
	total.Add(total, fpmath.CollateralToAmount(h.ch.Vault().InsuranceFundBalance()))
	within(t, fpmath.CollateralToAmount(sumDeposits), total, 10_000_000_000_000, "free collateral + insurance fund")
}

// ===== Test: Failed operations leave no trace =====

func TestRollback(t *testing.T) {
	tests := []struct {
		name    string
		run     func(h *harness) error
		wantErr error
	}{
		{
			name: "deadline expired",
			run: func(h *harness) error {
				_, err := h.ch.OpenPosition(&command.OpenPosition{
					CommandID: uuid.New(), Trader: taker, Market: ethMarket,
					IsExactInput: true, Amount: e18(1), Deadline: h.now - 1, Time: h.now,
				})
				return err
			},
			wantErr: errs.ErrDeadlineExpired,
		},
		{
			name: "zero amount",
			run: func(h *harness) error {
				_, err := h.open(taker, ethMarket, false, true, new(big.Int))
				return err
			},
			wantErr: errs.ErrInvalidInput,
		},
		{
			name: "unknown market",
			run: func(h *harness) error {
				_, err := h.open(taker, btcMarket, false, true, e18(1))
				return err
			},
			wantErr: errs.ErrInvalidInput,
		},
		{
			name: "opposite amount bound",
			run: func(h *harness) error {
				_, err := h.ch.OpenPosition(&command.OpenPosition{
					CommandID: uuid.New(), Trader: taker, Market: ethMarket,
					IsExactInput: true, Amount: e18(10), OppositeAmountBound: e18(11), Time: h.now,
				})
				return err
			},
			wantErr: errs.ErrSlippageExceeded,
		},
		{
			name: "price limit",
			run: func(h *harness) error {
				_, err := h.ch.OpenPosition(&command.OpenPosition{
					CommandID: uuid.New(), Trader: taker, Market: ethMarket,
					IsExactInput: true, Amount: e18(10),
					SqrtPriceLimitX96: new(big.Int).Sub(fpmath.Q96, big.NewInt(1)), Time: h.now,
				})
				return err
			},
			wantErr: errs.ErrPriceLimitReached,
		},
		{
			name: "pool exhausted",
			run: func(h *harness) error {
				_, err := h.open(taker, ethMarket, false, false, e18(2_000))
				return err
			},
			wantErr: errs.ErrInsufficientLiquidity,
		},
		{
			name: "free collateral",
			run: func(h *harness) error {
				_, err := h.open(taker, ethMarket, false, true, e18(500))
				return err
			},
			wantErr: errs.ErrInsufficientCollateral,
		},
		{
			name: "remove more than held",
			run: func(h *harness) error {
				_, err := h.removeLiquidity(makerA, -600, 600, new(big.Int).Add(h.orderLiquidity(makerA, -600, 600), big.NewInt(1)))
				return err
			},
			wantErr: errs.ErrInsufficientLiquidity,
		},
		{
			name: "liquidity minimum",
			run: func(h *harness) error {
				_, err := h.ch.AddLiquidity(&command.AddLiquidity{
					CommandID: uuid.New(), Trader: makerA, Market: ethMarket,
					LowerTick: -600, UpperTick: 600, Base: e18(10), Quote: e18(10),
					MinBase: e18(11), Time: h.now,
				})
				return err
			},
			wantErr: errs.ErrSlippageExceeded,
		},
		{
			name: "withdraw beyond collateral",
			run: func(h *harness) error {
				_, err := h.withdraw(taker, usdc(11))
				return err
			},
			wantErr: errs.ErrInsufficientCollateral,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testParams(1_000), clearinghouse.Config{})
			h.seed()
			h.deposit(taker, usdc(10))
			h.mustOpen(taker, false, true, e18(5))
			h.ch.Drain()
			before := h.state()

			err := tc.run(h)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)

			assert.Equal(t, before, h.state())
			events, batches := h.ch.Drain()
			assert.Empty(t, events)
			assert.Empty(t, batches)
		})
	}
}

// ===== Test: Market limit =====

func TestOpenPosition_MarketLimit(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{MaxMarketsPerAccount: 1})
	h.createMarket(btcMarket, testParams(1_000))
	h.seed()
	h.deposit(makerB, usdc(10_000))
	h.addLiquidity(makerB, btcMarket, -600, 600, e18(1000), e18(1000))
	h.deposit(taker, usdc(100))

	h.mustOpen(taker, false, true, e18(10))
	btcBefore := h.ch.Exchange().Export()

	_, err := h.open(taker, btcMarket, false, true, e18(10))
	assert.True(t, errors.Is(err, errs.ErrMarketLimitExceeded), "got %v", err)
	assert.Equal(t, btcBefore, h.ch.Exchange().Export())

	h.close(taker, ethMarket)
	_, err = h.open(taker, btcMarket, false, true, e18(10))
	require.NoError(t, err)
	assert.Equal(t, []string{btcMarket}, h.ch.Accounts().ActiveMarkets(taker))

	// makers count too
	_, err = h.ch.AddLiquidity(&command.AddLiquidity{
		CommandID: uuid.New(), Trader: makerA, Market: btcMarket,
		LowerTick: -600, UpperTick: 600, Base: e18(1), Quote: e18(1), Time: h.now,
	})
	assert.True(t, errors.Is(err, errs.ErrMarketLimitExceeded))
}

// ===== Test: Withdraw settles owed PnL =====

func TestWithdraw(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{})
	h.seed()
	h.deposit(taker, usdc(100))

	h.mustOpen(taker, false, true, e18(10))
	h.close(taker, ethMarket)
	owed := h.ch.Accounts().GetTotalOwedRealizedPnl(taker)
	require.Equal(t, -1, owed.Sign(), "round trip pays fees")
	h.ch.Drain()

	settled, err := h.withdraw(taker, usdc(1))
	require.NoError(t, err)
	want, err := fpmath.AmountToCollateral(owed)
	require.NoError(t, err)
	assert.Equal(t, -want, settled.Paid)
	assert.Equal(t, usdc(100)+want-usdc(1), h.ch.Vault().Collateral(taker))
	assert.Equal(t, 0, h.ch.Accounts().GetTotalOwedRealizedPnl(taker).Sign())

	events, batches := h.ch.Drain()
	assert.Len(t, batches, 2)
	require.Len(t, eventsOf[*event.RealizedPnlSettled](events), 1)
	require.Len(t, eventsOf[*event.CollateralWithdrawn](events), 1)

	// an open position holds collateral back
	h.mustOpen(taker, false, true, e18(500))
	before := h.state()
	_, err = h.withdraw(taker, usdc(60))
	assert.True(t, errors.Is(err, errs.ErrInsufficientCollateral), "got %v", err)
	assert.Equal(t, before, h.state())

	_, err = h.withdraw(taker, 0)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

// ===== Test: Funding is charged on the next touch =====

func TestFundingSettlement(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{})
	h.seed()
	h.deposit(taker, usdc(100))

	index := new(big.Int).Div(e18(9), big.NewInt(10))
	require.NoError(t, h.ch.UpdateIndexPrice(&command.UpdateIndexPrice{
		Market: ethMarket, PriceX18: index, PriceSequence: 1, Time: h.now,
	}))
	opened := h.mustOpen(taker, false, true, e18(10))
	h.ch.Drain()

	// one full funding period later
	h.now += 3600
	mark, err := h.ch.Exchange().MarkPrice(ethMarket)
	require.NoError(t, err)
	_, err = h.withdraw(taker, usdc(1))
	require.NoError(t, err)

	events, _ := h.ch.Drain()
	funding := eventsOf[*event.FundingPaymentSettled](events)
	require.Len(t, funding, 1)
	ev := funding[0]
	assert.Equal(t, taker, ev.Trader)
	assert.Equal(t, new(big.Int).Sub(mark, index).String(), ev.FundingGrowth.String())
	assert.Equal(t, opened.DeltaBase.String(), ev.PositionSize.String())
	want := exchange.FundingPayment(ev.PositionSize, ev.FundingGrowth, new(big.Int))
	assert.Equal(t, want.String(), ev.Payment.String())
	assert.True(t, ev.Payment.Sign() > 0, "longs pay when mark is above index")
}

// ===== Test: Index price updates =====

func TestUpdateIndexPrice(t *testing.T) {
	h := newHarness(t, testParams(1_000), clearinghouse.Config{})

	err := h.ch.UpdateIndexPrice(&command.UpdateIndexPrice{Market: btcMarket, PriceX18: e18(1), Time: h.now})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput), "unknown market")

	err = h.ch.UpdateIndexPrice(&command.UpdateIndexPrice{Market: ethMarket, PriceX18: new(big.Int), Time: h.now})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput), "zero price")

	require.NoError(t, h.ch.UpdateIndexPrice(&command.UpdateIndexPrice{Market: ethMarket, PriceX18: e18(2), Time: h.now}))
	err = h.ch.UpdateIndexPrice(&command.UpdateIndexPrice{Market: ethMarket, PriceX18: e18(2), Time: h.now - 1})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput), "stale observation")

	latest, ok := h.ch.Oracle().Latest(ethMarket)
	require.True(t, ok)
	assert.Equal(t, e18(2).String(), latest.PriceX18.String())
}
