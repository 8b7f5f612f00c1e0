package oracle_test

import (
	"errors"
	"math/big"
	"testing"

	"PerpClearing/internal/errs"
	"PerpClearing/internal/oracle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ethMarket = "ETH-USD"

func price(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

// ===== Test: Time weighting =====

func TestIndexPrice_TimeWeighted(t *testing.T) {
	o := oracle.New(100)
	require.NoError(t, o.Record(ethMarket, price(100), 1000))
	require.NoError(t, o.Record(ethMarket, price(200), 1050))

	tests := []struct {
		name string
		at   int64
		want *big.Int
	}{
		{"single observation in force", 1040, price(100)},
		{"half and half", 1100, price(150)},
		{"window past first observation", 1200, price(200)},
		{"observation at window start covers the gap", 1120, price(170)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := o.IndexPrice(ethMarket, tc.at)
			require.NoError(t, err)
			assert.Equal(t, tc.want.String(), got.String())
		})
	}
}

// ===== Test: No observations =====

func TestIndexPrice_NoObservations(t *testing.T) {
	o := oracle.New(0)
	assert.Equal(t, oracle.DefaultWindowSeconds, o.Window())

	_, err := o.IndexPrice(ethMarket, 10)
	assert.True(t, errors.Is(err, oracle.ErrNoObservations))

	require.NoError(t, o.Record(ethMarket, price(1), 20))
	_, err = o.IndexPrice(ethMarket, 10)
	assert.True(t, errors.Is(err, oracle.ErrNoObservations), "observation is in the future")
}

// ===== Test: Record validation =====

func TestRecord_Validation(t *testing.T) {
	o := oracle.New(60)
	assert.True(t, errors.Is(o.Record("", price(1), 1), errs.ErrInvalidInput))
	assert.True(t, errors.Is(o.Record(ethMarket, big.NewInt(0), 1), errs.ErrInvalidInput))
	assert.True(t, errors.Is(o.Record(ethMarket, nil, 1), errs.ErrInvalidInput))

	require.NoError(t, o.Record(ethMarket, price(5), 10))
	assert.True(t, errors.Is(o.Record(ethMarket, price(6), 9), errs.ErrInvalidInput))

	// same timestamp replaces
	require.NoError(t, o.Record(ethMarket, price(7), 10))
	latest, ok := o.Latest(ethMarket)
	require.True(t, ok)
	assert.Equal(t, price(7).String(), latest.PriceX18.String())
}

// ===== Test: Rejected first observation leaves no series =====

func TestRecord_RejectedFirstObservation(t *testing.T) {
	o := oracle.New(60)
	assert.True(t, errors.Is(o.Record(ethMarket, big.NewInt(0), 1), errs.ErrInvalidInput))

	_, ok := o.Export()[ethMarket]
	assert.False(t, ok)
	_, ok = o.Latest(ethMarket)
	assert.False(t, ok)

	restored := oracle.New(60)
	require.NoError(t, restored.Import(o.Export()))
	assert.Empty(t, restored.Export())
}

// ===== Test: Pruning keeps the window start =====

func TestRecord_PruneKeepsWindowStart(t *testing.T) {
	o := oracle.New(10)
	for ts := int64(0); ts <= 100; ts += 5 {
		require.NoError(t, o.Record(ethMarket, price(ts+1), ts))
	}
	state := o.Export()[ethMarket]
	require.NotEmpty(t, state)
	assert.LessOrEqual(t, state[0].Timestamp, int64(90))
	assert.Len(t, state, 3)

	got, err := o.IndexPrice(ethMarket, 100)
	require.NoError(t, err)
	// 91 over (90,95], 96 over (95,100]
	assert.Equal(t, new(big.Int).Div(new(big.Int).Add(price(91), price(96)), big.NewInt(2)).String(), got.String())
}

// ===== Test: Export/Import =====

func TestExportImport(t *testing.T) {
	o := oracle.New(60)
	require.NoError(t, o.Record(ethMarket, price(10), 1))
	require.NoError(t, o.Record(ethMarket, price(12), 31))
	require.NoError(t, o.Record("BTC-USD", price(30000), 5))

	restored := oracle.New(60)
	require.NoError(t, restored.Import(o.Export()))
	assert.Equal(t, o.Export(), restored.Export())

	a, err := o.IndexPrice(ethMarket, 61)
	require.NoError(t, err)
	b, err := restored.IndexPrice(ethMarket, 61)
	require.NoError(t, err)
	assert.Equal(t, a.String(), b.String())
}
