package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/agentcover/internal/pools"
	"github.com/mbd888/agentcover/internal/riskscore"
)

// Minimal ABIs: only the methods the ledger and scorer use.
const (
	identityABIJSON = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"}
]`

	reputationABIJSON = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"getReputation","outputs":[{"name":"score","type":"uint256"},{"name":"tier","type":"uint8"},{"name":"verifiedProofs","type":"uint256"}],"type":"function"}
]`

	vaultABIJSON = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"getStakeInfo","outputs":[{"name":"amount","type":"uint256"},{"name":"isVerified","type":"bool"}],"type":"function"}
]`

	erc20ABIJSON = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`
)

var (
	identityABI   = mustABI(identityABIJSON)
	reputationABI = mustABI(reputationABIJSON)
	vaultABI      = mustABI(vaultABIJSON)
	erc20ABI      = mustABI(erc20ABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(fmt.Sprintf("chain: bad ABI: %v", err))
	}
	return parsed
}

var (
	_ pools.IdentityRegistry     = (*Identity)(nil)
	_ pools.SettlementToken      = (*Token)(nil)
	_ riskscore.ReputationSource = (*Reputation)(nil)
	_ riskscore.StakeSource      = (*Vault)(nil)
)

// Identity reads the agent identity registry.
type Identity struct{ c *Client }

// Identity returns the identity registry binding.
func (c *Client) Identity() *Identity { return &Identity{c: c} }

// OwnerOf returns the current owner of tokenID.
func (i *Identity) OwnerOf(ctx context.Context, tokenID uint64) (common.Address, error) {
	out, err := i.c.call(ctx, i.c.identity, identityABI, "identity", "ownerOf", tokenArg(tokenID))
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, &CallError{Op: "ownerOf", Contract: "identity", Err: ErrUnexpectedResult}
	}
	return owner, nil
}

// Reputation reads the reputation registry.
type Reputation struct{ c *Client }

// Reputation returns the reputation registry binding.
func (c *Client) Reputation() *Reputation { return &Reputation{c: c} }

// GetReputation returns the score, tier and verified proof count for tokenID.
func (r *Reputation) GetReputation(ctx context.Context, tokenID uint64) (*riskscore.ReputationSnapshot, error) {
	out, err := r.c.call(ctx, r.c.reputation, reputationABI, "reputation", "getReputation", tokenArg(tokenID))
	if err != nil {
		return nil, err
	}
	score, ok1 := out[0].(*big.Int)
	tier, ok2 := out[1].(uint8)
	proofs, ok3 := out[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !score.IsUint64() || !proofs.IsUint64() {
		return nil, &CallError{Op: "getReputation", Contract: "reputation", Err: ErrUnexpectedResult}
	}
	return &riskscore.ReputationSnapshot{
		TokenID:        tokenID,
		Score:          score.Uint64(),
		Tier:           tier,
		VerifiedProofs: proofs.Uint64(),
	}, nil
}

// Vault reads stake positions from the custody vault.
type Vault struct{ c *Client }

// Vault returns the custody vault binding.
func (c *Client) Vault() *Vault { return &Vault{c: c} }

// GetStakeInfo returns the vault's stake record for tokenID.
func (v *Vault) GetStakeInfo(ctx context.Context, tokenID uint64) (*riskscore.StakeSnapshot, error) {
	out, err := v.c.call(ctx, v.c.vault, vaultABI, "vault", "getStakeInfo", tokenArg(tokenID))
	if err != nil {
		return nil, err
	}
	amt, ok1 := out[0].(*big.Int)
	verified, ok2 := out[1].(bool)
	if !ok1 || !ok2 {
		return nil, &CallError{Op: "getStakeInfo", Contract: "vault", Err: ErrUnexpectedResult}
	}
	return &riskscore.StakeSnapshot{Amount: amt, IsVerified: verified}, nil
}

// Token moves the settlement token with the custody key.
type Token struct{ c *Client }

// Token returns the settlement token binding.
func (c *Client) Token() *Token { return &Token{c: c} }

// TransferFrom pulls amount from an owner who approved the custody address.
func (t *Token) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	_, err := t.c.send(ctx, t.c.token, erc20ABI, "token", "transferFrom", from, to, amount)
	return ledgerError(err)
}

// Transfer pays amount out of custody.
func (t *Token) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	_, err := t.c.send(ctx, t.c.token, erc20ABI, "token", "transfer", to, amount)
	return ledgerError(err)
}

// ledgerError tags an unconfirmed transfer so the pool ledger keeps its
// post-transfer state.
func ledgerError(err error) error {
	if errors.Is(err, ErrUnconfirmed) {
		return fmt.Errorf("%w: %w", pools.ErrTransferUnconfirmed, err)
	}
	return err
}

// BalanceOf returns the token balance of addr.
func (t *Token) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := t.c.call(ctx, t.c.token, erc20ABI, "token", "balanceOf", addr)
	if err != nil {
		return nil, err
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, &CallError{Op: "balanceOf", Contract: "token", Err: ErrUnexpectedResult}
	}
	return bal, nil
}
