package settlement

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colemarc/dexarbot/internal/config"
	"github.com/colemarc/dexarbot/internal/domain"
)

// fakeChain scripts the chain client: every submitted transaction mines
// immediately with the configured status and gas usage.
type fakeChain struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	status   uint64
	gasUsed  uint64
	gasPrice *big.Int
	balance  *big.Int
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (c *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: c.status, GasUsed: c.gasUsed, TxHash: txHash}, nil
}

func (c *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (c *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(c.balance), nil
}

func testVault(t *testing.T, chain ChainClient) *Vault {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	cfg := config.VaultConfig{
		Address:  "0x1111111111111111111111111111111111111111",
		ChainID:  137,
		GasLimit: 400_000,
		Tokens: map[string]string{
			"WETH": "0x2222222222222222222222222222222222222222",
			"USDC": "0x3333333333333333333333333333333333333333",
		},
	}
	v, err := NewWithClient(cfg, chain, key, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return v
}

func TestExecuteArbitrageSubmitsAndMines(t *testing.T) {
	chain := &fakeChain{
		status:   types.ReceiptStatusSuccessful,
		gasUsed:  180_000,
		gasPrice: big.NewInt(30_000_000_000), // 30 gwei
		balance:  big.NewInt(0),
	}
	v := testVault(t, chain)

	receipt, err := v.ExecuteArbitrage(context.Background(), "WETH", "USDC", domain.Ticks(2.5), "quickswap", "standardclob")
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.Ref)
	assert.Equal(t, uint64(180_000), receipt.GasUsed)
	// 180000 gas * 30 gwei = 5.4e15 wei = 0.0054 units = 5400 ticks.
	assert.Equal(t, int64(5400), receipt.CostPaidTicks)

	chain.mu.Lock()
	defer chain.mu.Unlock()
	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, v.address, *tx.To())
	assert.Equal(t, uint64(400_000), tx.Gas())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.NotEmpty(t, tx.Data())
}

func TestExecuteArbitrageRevertedIsError(t *testing.T) {
	chain := &fakeChain{
		status:   types.ReceiptStatusFailed,
		gasUsed:  400_000,
		gasPrice: big.NewInt(30_000_000_000),
		balance:  big.NewInt(0),
	}
	v := testVault(t, chain)

	receipt, err := v.ExecuteArbitrage(context.Background(), "WETH", "USDC", domain.Ticks(1), "quickswap", "standardclob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
	// The paid gas still comes back for cost accounting.
	assert.Positive(t, receipt.CostPaidTicks)
}

func TestExecuteArbitrageUnknownToken(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful, gasPrice: big.NewInt(1), balance: big.NewInt(0)}
	v := testVault(t, chain)

	_, err := v.ExecuteArbitrage(context.Background(), "DOGE", "USDC", domain.Ticks(1), "quickswap", "standardclob")
	require.ErrorIs(t, err, domain.ErrNotFound)
	chain.mu.Lock()
	defer chain.mu.Unlock()
	assert.Empty(t, chain.sent)
}

func TestGasPriceGwei(t *testing.T) {
	chain := &fakeChain{gasPrice: big.NewInt(42_500_000_000), balance: big.NewInt(0)}
	v := testVault(t, chain)

	gwei, err := v.GasPriceGwei(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), gwei)
}

func TestAvailableFundsTicks(t *testing.T) {
	// 1.25 units of native balance.
	wei, _ := new(big.Int).SetString("1250000000000000000", 10)
	chain := &fakeChain{gasPrice: big.NewInt(1), balance: wei}
	v := testVault(t, chain)

	ticks, err := v.AvailableFundsTicks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Ticks(1.25), ticks)
}
