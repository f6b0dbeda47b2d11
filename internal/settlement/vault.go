// Package settlement submits approved arbitrage opportunities to the on-chain
// vault contract and reports realized outcomes. It is the only package that
// talks to the chain.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/colemarc/dexarbot/internal/config"
	"github.com/colemarc/dexarbot/internal/domain"
)

// vaultABI covers the single vault entrypoint the bot calls. The contract
// routes the two legs atomically and reverts if either leg fails.
const vaultABI = `[{
	"name": "executeArbitrage",
	"type": "function",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "tokenA", "type": "address"},
		{"name": "tokenB", "type": "address"},
		{"name": "amount", "type": "uint256"},
		{"name": "buyVenue", "type": "string"},
		{"name": "sellVenue", "type": "string"}
	],
	"outputs": []
}]`

const (
	weiPerTick  = 1_000_000_000_000 // 1e18 wei per unit / 1e6 ticks per unit
	weiPerGwei  = 1_000_000_000
	fallbackGas = 500_000
)

// ChainClient is the subset of *ethclient.Client the vault uses, extracted
// so tests can script the chain.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ ChainClient = (*ethclient.Client)(nil)

// Vault wraps the on-chain arbitrage vault: builds, signs, and submits
// executeArbitrage transactions and waits for them to mine.
type Vault struct {
	client   ChainClient
	abi      abi.ABI
	address  common.Address
	chainID  *big.Int
	gasLimit uint64
	key      *ecdsa.PrivateKey
	from     common.Address
	tokens   map[string]common.Address
	logger   *slog.Logger
}

// New connects to the configured RPC endpoint and builds the vault binding.
func New(ctx context.Context, cfg config.VaultConfig, key *ecdsa.PrivateKey, logger *slog.Logger) (*Vault, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", cfg.RPCURL, err)
	}
	return NewWithClient(cfg, client, key, logger)
}

// NewWithClient builds the vault over an existing chain client.
func NewWithClient(cfg config.VaultConfig, client ChainClient, key *ecdsa.PrivateKey, logger *slog.Logger) (*Vault, error) {
	parsed, err := abi.JSON(strings.NewReader(vaultABI))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse abi: %w", err)
	}

	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = fallbackGas
	}
	tokens := make(map[string]common.Address, len(cfg.Tokens))
	for sym, addr := range cfg.Tokens {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("settlement: token %s: invalid address %q", sym, addr)
		}
		tokens[strings.ToUpper(sym)] = common.HexToAddress(addr)
	}

	return &Vault{
		client:   client,
		abi:      parsed,
		address:  common.HexToAddress(cfg.Address),
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit: gasLimit,
		key:      key,
		from:     ethcrypto.PubkeyToAddress(key.PublicKey),
		tokens:   tokens,
		logger:   logger.With(slog.String("component", "settlement")),
	}, nil
}

// From returns the submitting account address.
func (v *Vault) From() common.Address { return v.from }

// ExecuteArbitrage submits one executeArbitrage transaction and blocks until
// it mines. A mined-but-reverted transaction is an error carrying the paid
// gas cost in the receipt.
func (v *Vault) ExecuteArbitrage(ctx context.Context, tokenA, tokenB string, volumeTicks int64, buyVenue, sellVenue string) (domain.SettlementReceipt, error) {
	addrA, err := v.tokenAddress(tokenA)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}
	addrB, err := v.tokenAddress(tokenB)
	if err != nil {
		return domain.SettlementReceipt{}, err
	}

	amount := new(big.Int).Mul(big.NewInt(volumeTicks), big.NewInt(weiPerTick))
	calldata, err := v.abi.Pack("executeArbitrage", addrA, addrB, amount, buyVenue, sellVenue)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("settlement: pack calldata: %w", err)
	}

	nonce, err := v.client.PendingNonceAt(ctx, v.from)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("settlement: pending nonce: %w", err)
	}
	gasPrice, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("settlement: gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &v.address,
		Gas:      v.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(v.chainID), v.key)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("settlement: sign tx: %w", err)
	}

	if err := v.client.SendTransaction(ctx, signed); err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("settlement: send tx: %w", err)
	}
	v.logger.Info("transaction submitted",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("pair", tokenA+"/"+tokenB),
		slog.Int64("volume_ticks", volumeTicks),
	)

	receipt, err := bind.WaitMined(ctx, v.client, signed)
	if err != nil {
		return domain.SettlementReceipt{}, fmt.Errorf("settlement: wait mined %s: %w", signed.Hash().Hex(), err)
	}

	cost := gasCostTicks(receipt.GasUsed, gasPrice)
	out := domain.SettlementReceipt{
		Ref:           signed.Hash().Hex(),
		CostPaidTicks: cost,
		GasUsed:       receipt.GasUsed,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("settlement: transaction %s reverted", signed.Hash().Hex())
	}
	return out, nil
}

// GasPriceGwei reports the node's suggested gas price, truncated to whole
// gwei for the pre-flight ceiling check.
func (v *Vault) GasPriceGwei(ctx context.Context) (int64, error) {
	price, err := v.client.SuggestGasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("settlement: gas price: %w", err)
	}
	return new(big.Int).Div(price, big.NewInt(weiPerGwei)).Int64(), nil
}

// AvailableFundsTicks reports the submitting account's native balance.
func (v *Vault) AvailableFundsTicks(ctx context.Context) (int64, error) {
	wei, err := v.client.BalanceAt(ctx, v.from, nil)
	if err != nil {
		return 0, fmt.Errorf("settlement: balance: %w", err)
	}
	return new(big.Int).Div(wei, big.NewInt(weiPerTick)).Int64(), nil
}

func (v *Vault) tokenAddress(symbol string) (common.Address, error) {
	addr, ok := v.tokens[strings.ToUpper(symbol)]
	if !ok {
		return common.Address{}, fmt.Errorf("settlement: no vault address for token %s: %w", symbol, domain.ErrNotFound)
	}
	return addr, nil
}

// gasCostTicks converts gasUsed * gasPrice (wei) into ticks.
func gasCostTicks(gasUsed uint64, gasPrice *big.Int) int64 {
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gasUsed), gasPrice)
	return new(big.Int).Div(wei, big.NewInt(weiPerTick)).Int64()
}
