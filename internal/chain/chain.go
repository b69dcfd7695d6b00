// Package chain binds the insurance ledger to its on-chain collaborators:
// the agent identity registry (ERC-721), the reputation registry, the custody
// vault and the settlement token (ERC-20). Writes are signed with the custody
// key, which is also the address that holds stakes and premiums.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/agentcover/internal/traces"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrNoSigner          = errors.New("chain: no custody key configured")
	ErrNoContract        = errors.New("chain: contract address not configured")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: operation timed out")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrUnexpectedResult  = errors.New("chain: unexpected call result")
	ErrUnconfirmed       = errors.New("chain: transaction sent but not confirmed")
)

// CallError wraps a failed contract read or write with its context.
type CallError struct {
	Op       string // contract method, or the tx step that failed
	Contract string
	TxHash   string
	Err      error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s on %s failed (tx: %s): %v", e.Op, e.Contract, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s on %s failed: %v", e.Op, e.Contract, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(150000)

	// DefaultConfirmationTimeout bounds the wait for a receipt.
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// Config holds chain connection settings. Contract addresses left empty
// disable the collaborator that needs them.
type Config struct {
	RPCURL             string
	ChainID            int64
	PrivateKey         string // hex, with or without 0x; empty for read-only use
	IdentityContract   string
	ReputationContract string
	VaultContract      string
	TokenContract      string
	ConfirmTimeout     time.Duration
}

// Client reads and writes the collaborator contracts.
type Client struct {
	client  EthClient
	chainID *big.Int
	key     *ecdsa.PrivateKey
	address common.Address
	logger  *slog.Logger

	confirmTimeout time.Duration
	pollInterval   time.Duration

	identity   common.Address
	reputation common.Address
	vault      common.Address
	token      common.Address
}

// Option configures a Client.
type Option func(*Client)

// WithClient sets a custom EthClient (for testing).
func WithClient(c EthClient) Option {
	return func(cl *Client) { cl.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) { cl.pollInterval = d }
}

// New creates a chain client. It dials cfg.RPCURL unless WithClient is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}

	c := &Client{
		chainID:        big.NewInt(cfg.ChainID),
		logger:         slog.Default(),
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   ConfirmationPollInterval,
		identity:       parseAddress(cfg.IdentityContract),
		reputation:     parseAddress(cfg.ReputationContract),
		vault:          parseAddress(cfg.VaultContract),
		token:          parseAddress(cfg.TokenContract),
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmationTimeout
	}

	if cfg.PrivateKey != "" {
		key := strings.TrimPrefix(cfg.PrivateKey, "0x")
		if len(key) != 64 {
			return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
		}
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		c.key = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey)
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		ec, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = ec
	}
	return c, nil
}

// Address returns the custody address (zero when no key is configured).
func (c *Client) Address() common.Address {
	return c.address
}

// Close closes the RPC connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// call performs an eth_call and unpacks the outputs.
func (c *Client) call(ctx context.Context, contract common.Address, parsed abi.ABI, name, method string, args ...interface{}) ([]interface{}, error) {
	if contract == (common.Address{}) {
		return nil, &CallError{Op: method, Contract: name, Err: ErrNoContract}
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: method, Contract: name, Err: err}
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, &CallError{Op: method, Contract: name, Err: err}
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, &CallError{Op: method, Contract: name, Err: err}
	}
	return values, nil
}

// send signs and submits a contract call from the custody key, then waits
// for the receipt. A reverted transaction is ErrTransactionFailed. Once the
// transaction may have reached the node, caller cancellation is ignored and
// any failure to confirm it wraps ErrUnconfirmed.
func (c *Client) send(ctx context.Context, contract common.Address, parsed abi.ABI, name, method string, args ...interface{}) (string, error) {
	ctx, span := traces.StartSpan(ctx, "chain."+method)
	defer span.End()

	if contract == (common.Address{}) {
		return "", &CallError{Op: method, Contract: name, Err: ErrNoContract}
	}
	if c.key == nil {
		return "", &CallError{Op: method, Contract: name, Err: ErrNoSigner}
	}

	data, err := parsed.Pack(method, args...)
	if err != nil {
		return "", &CallError{Op: "pack", Contract: name, Err: err}
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return "", &CallError{Op: "nonce", Contract: name, Err: err}
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &CallError{Op: "gas_price", Contract: name, Err: err}
	}
	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return "", &CallError{Op: "sign", Contract: name, Err: err}
	}
	hash := signed.Hash().Hex()
	if err := ctx.Err(); err != nil {
		return "", &CallError{Op: "send", Contract: name, Err: err}
	}

	detached := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(detached, c.confirmTimeout)
	err = c.client.SendTransaction(sendCtx, signed)
	cancel()
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrUnconfirmed, err)
		}
		return "", &CallError{Op: "send", Contract: name, TxHash: hash, Err: err}
	}

	if err := c.waitMined(detached, signed.Hash()); err != nil {
		traces.Fail(span, err)
		if !errors.Is(err, ErrTransactionFailed) {
			err = fmt.Errorf("%w: %w", ErrUnconfirmed, err)
			c.logger.Warn("transaction broadcast but not confirmed",
				"contract", name, "method", method, "txHash", hash, "error", err)
		}
		return hash, &CallError{Op: method, Contract: name, TxHash: hash, Err: err}
	}
	c.logger.Info("transaction confirmed", "contract", name, "method", method, "txHash", hash)
	return hash, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusFailed {
				return ErrTransactionFailed
			}
			return nil
		}
		// Not yet mined; keep waiting.

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func parseAddress(s string) common.Address {
	if s == "" || !common.IsHexAddress(s) {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

func tokenArg(tokenID uint64) *big.Int {
	return new(big.Int).SetUint64(tokenID)
}
