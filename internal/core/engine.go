package core

import (
	"errors"
	"fmt"
	"time"

	"PerpClearing/internal/clearinghouse"
	"PerpClearing/internal/command"
	"PerpClearing/internal/errs"
	"PerpClearing/internal/event"
	"PerpClearing/internal/ledger"
	"PerpClearing/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Config struct {
	// StartSequence is the first global sequence to assign.
	StartSequence int64

	IdempotencyCapacity int

	// BalanceCheckInterval is the period, in sequences, of the global
	// zero-sum ledger check. 0 disables it.
	BalanceCheckInterval int64
}

var DefaultConfig = Config{
	StartSequence:        1,
	IdempotencyCapacity:  1_000_000,
	BalanceCheckInterval: 1000,
}

// DeterministicCore is the single-threaded command processor. It owns the
// clearing house and every piece of domain state behind it.
type DeterministicCore struct {
	cfg               Config
	sequence          int64 // next sequence to assign
	hasher            *StateHasher
	house             *clearinghouse.ClearingHouse
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything one accepted command produced.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Command    command.Command
	Events     []event.Event
	Batches    []*ledger.Batch
	StateDelta []byte
}

// Result is returned to the submitter of a command.
type Result struct {
	Sequence  int64
	StateHash [32]byte

	// Duplicate is set when the command was already applied; nothing changed.
	Duplicate bool

	// Skipped is set for stale index prices; nothing changed.
	Skipped bool

	// Value is the operation's own result, e.g. *clearinghouse.PositionResult.
	Value any
}

func NewDeterministicCore(
	cfg Config,
	house *clearinghouse.ClearingHouse,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	if cfg.StartSequence <= 0 {
		cfg.StartSequence = 1
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = DefaultConfig.IdempotencyCapacity
	}
	return &DeterministicCore{
		cfg:               cfg,
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		house:             house,
		validator:         ledger.NewInvariantValidator(house.Vault().Tracker()),
		idempotency:       NewIdempotencyChecker(cfg.IdempotencyCapacity, dbChecker, metrics, logger),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// House exposes the clearing house for queries on the core goroutine.
func (c *DeterministicCore) House() *clearinghouse.ClearingHouse {
	return c.house
}

// ProcessCommand is the main processing pipeline. A rejected command leaves
// no trace: no sequence, no envelope, no idempotency record.
func (c *DeterministicCore) ProcessCommand(cmd command.Command) (*Result, error) {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(commandType, idempotencyKey)

	// Step 2: Sequence validation
	if err := c.validateSequence(cmd, isDuplicate); err != nil {
		if errors.Is(err, ErrStaleIndexPrice) {
			c.recordRejected(commandType, "stale")
			return &Result{Skipped: true}, nil
		}
		c.recordRejected(commandType, "sequence")
		return nil, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.recordRejected(commandType, "duplicate")
		return &Result{Duplicate: true}, nil
	}

	// Step 3: Apply
	output, value, err := c.apply(cmd)
	if err != nil {
		c.recordRejected(commandType, errs.Kind(err))
		c.logger.Debug().
			Err(err).
			Str("command_type", commandType).
			Str("key", idempotencyKey).
			Msg("command rejected")
		return nil, err
	}

	// Step 4: Emit outputs.
	// Persistence blocks (backpressure); projections drop when full and
	// catch up from the command log.
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	// Step 5: Mark as processed
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
	}

	return &Result{
		Sequence:  output.Envelope.Sequence,
		StateHash: output.Envelope.StateHash,
		Value:     value,
	}, nil
}

// Replay re-applies a logged command on top of restored state and checks it
// reproduces the logged state hash. Nothing is emitted.
func (c *DeterministicCore) Replay(env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", c.sequence, env.Sequence)
	}
	cmd, err := command.Decode(env.CommandType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	c.advanceSequence(cmd)

	output, _, err := c.apply(cmd)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("replay seq %d: state hash mismatch: logged %x, computed %x",
			env.Sequence, env.StateHash, output.Envelope.StateHash)
	}

	c.idempotency.MarkProcessed(cmd.CommandType().String(), cmd.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.ReplayCommands.Inc()
	}
	return nil
}

func (c *DeterministicCore) validateSequence(cmd command.Command, isDuplicate bool) error {
	if p, ok := cmd.(*command.UpdateIndexPrice); ok {
		if isDuplicate {
			return nil
		}
		return c.sequenceValidator.ValidatePriceSequence(p.Market, p.PriceSequence)
	}
	return c.sequenceValidator.ValidateSequence(partitionOf(cmd), cmd.SourceSequence(), isDuplicate)
}

// advanceSequence moves the command's partition past it without checking
// order. The log omits rejected commands, so logged source sequences may
// have gaps that live validation already accepted.
func (c *DeterministicCore) advanceSequence(cmd command.Command) {
	if p, ok := cmd.(*command.UpdateIndexPrice); ok {
		c.sequenceValidator.RestorePartition(pricePartition(p.Market), p.PriceSequence+1)
		return
	}
	if seq := cmd.SourceSequence(); seq > 0 {
		c.sequenceValidator.RestorePartition(partitionOf(cmd), seq+1)
	}
}

// partitionOf determines the partition key for sequence validation
func partitionOf(cmd command.Command) string {
	if marketID := cmd.MarketID(); marketID != nil {
		return "market:" + *marketID
	}
	return "global"
}

// apply runs cmd against the clearing house and, on success, assigns the
// next sequence and extends the hash chain.
func (c *DeterministicCore) apply(cmd command.Command) (CoreOutput, any, error) {
	seq := c.sequence
	c.house.SetSequence(seq)

	value, err := c.dispatch(cmd)
	if err != nil {
		return CoreOutput{}, nil, err
	}
	events, batches := c.house.Drain()

	trader := traderOf(cmd)
	if err := c.postCheckInvariants(seq, trader); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	payload, err := command.Encode(cmd)
	if err != nil {
		// Commands are plain data; an encoding failure is a programming error.
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	hashStart := time.Now()
	var markets []string
	if m := cmd.MarketID(); m != nil {
		markets = []string{*m}
	} else if trader != uuid.Nil {
		markets = c.house.Accounts().ActiveMarkets(trader)
	}
	stateDigest := computeStateDigest(c.house, markets, trader, batches)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: cmd.IdempotencyKey(),
		CommandType:    cmd.CommandType(),
		MarketID:       cmd.MarketID(),
		Timestamp:      cmd.Timestamp(),
		SourceSequence: cmd.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++
	c.recordApplied(seq, events, batches, value)

	return CoreOutput{
		Envelope:   envelope,
		Command:    cmd,
		Events:     events,
		Batches:    batches,
		StateDelta: stateDigest,
	}, value, nil
}

func (c *DeterministicCore) dispatch(cmd command.Command) (any, error) {
	switch cm := cmd.(type) {
	case *command.CreateMarket:
		return nil, c.house.CreateMarket(cm)
	case *command.UpdateIndexPrice:
		return nil, c.house.UpdateIndexPrice(cm)
	case *command.Deposit:
		return nil, c.house.Deposit(cm)
	case *command.Withdraw:
		return c.house.Withdraw(cm)
	case *command.AddLiquidity:
		return c.house.AddLiquidity(cm)
	case *command.RemoveLiquidity:
		return c.house.RemoveLiquidity(cm)
	case *command.OpenPosition:
		return c.house.OpenPosition(cm)
	case *command.ClosePosition:
		return c.house.ClosePosition(cm)
	default:
		return nil, errs.Invalid("unknown command type: %T", cmd)
	}
}

func traderOf(cmd command.Command) uuid.UUID {
	switch cm := cmd.(type) {
	case *command.Deposit:
		return cm.Trader
	case *command.Withdraw:
		return cm.Trader
	case *command.AddLiquidity:
		return cm.Trader
	case *command.RemoveLiquidity:
		return cm.Trader
	case *command.OpenPosition:
		return cm.Trader
	case *command.ClosePosition:
		return cm.Trader
	default:
		return uuid.Nil
	}
}

// postCheckInvariants validates ledger invariants after a command commits
func (c *DeterministicCore) postCheckInvariants(seq int64, trader uuid.UUID) error {
	asset := c.house.Vault().Asset()
	if trader != uuid.Nil {
		if err := c.validator.ValidateUserCollateralNonNegative(trader, asset); err != nil {
			return fmt.Errorf("post-check collateral: %w", err)
		}
	}
	if err := c.validator.ValidateInsuranceFundNonNegative(asset); err != nil {
		return fmt.Errorf("post-check insurance fund: %w", err)
	}

	if c.cfg.BalanceCheckInterval > 0 && seq%c.cfg.BalanceCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance at seq %d: %w", seq, err)
		}
	}
	return nil
}

func (c *DeterministicCore) recordRejected(commandType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(seq int64, events []event.Event, batches []*ledger.Batch, value any) {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.CoreSequence.Set(float64(seq))
	for _, b := range batches {
		for _, j := range b.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, e := range events {
		m.CoreEvents.WithLabelValues(e.EventType().String()).Inc()
		switch ev := e.(type) {
		case *event.PositionChanged:
			direction := "long"
			if ev.ExchangedSize.Sign() < 0 {
				direction = "short"
			}
			m.SwapsTotal.WithLabelValues(ev.Market, direction).Inc()
		case *event.LiquidityChanged:
			action := "add"
			if ev.Liquidity.Sign() <= 0 {
				action = "remove"
			}
			m.LiquidityChanges.WithLabelValues(ev.Market, action).Inc()
		}
	}
	if pr, ok := value.(*clearinghouse.PositionResult); ok {
		if market := marketOfEvents(events); market != "" {
			m.SwapTicksCrossed.WithLabelValues(market).Observe(float64(pr.TicksCrossed))
		}
	}
	m.InsuranceFundBalance.Set(float64(c.house.Vault().InsuranceFundBalance()))
	m.OpenOrders.Set(float64(c.house.Orders().OrderCount()))
	m.Markets.Set(float64(len(c.house.Exchange().Markets())))
}

func marketOfEvents(events []event.Event) string {
	for _, e := range events {
		if m := e.MarketID(); m != nil {
			return *m
		}
	}
	return ""
}

// WarmLRU loads recent idempotency keys (oldest first) into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
