package service

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"beamer/agent/internal/config"
)

// UnlimitedAllowance is the configured allowance value meaning 2^256 - 1.
const UnlimitedAllowance = "-1"

type tokenKey struct {
	chainID uint64
	address common.Address
}

type tokenInfo struct {
	class     int
	allowance *uint256.Int
}

// TokenChecker knows which tokens are bridged one to one and how much the
// agent approves per token.
type TokenChecker struct {
	tokens  map[tokenKey]tokenInfo
	symbols []string
}

// NewTokenChecker builds the lookup table from the configured equivalence
// classes. A token may belong to one class only.
func NewTokenChecker(classes []config.TokenClass) (*TokenChecker, error) {
	c := &TokenChecker{tokens: make(map[tokenKey]tokenInfo)}
	for i, class := range classes {
		c.symbols = append(c.symbols, class.Symbol)
		for _, member := range class.Members {
			if !common.IsHexAddress(member.Address) {
				return nil, fmt.Errorf("token class %s: invalid address %q", class.Symbol, member.Address)
			}
			key := tokenKey{chainID: member.ChainID, address: common.HexToAddress(member.Address)}
			if prev, ok := c.tokens[key]; ok {
				return nil, fmt.Errorf("token %s on chain %d is listed in %s and %s",
					key.address.Hex(), key.chainID, c.symbols[prev.class], class.Symbol)
			}
			allowance, err := parseAllowance(member.Allowance)
			if err != nil {
				return nil, fmt.Errorf("token class %s: %w", class.Symbol, err)
			}
			c.tokens[key] = tokenInfo{class: i, allowance: allowance}
		}
	}
	return c, nil
}

func parseAllowance(s string) (*uint256.Int, error) {
	switch s {
	case "":
		return nil, nil
	case UnlimitedAllowance:
		return new(uint256.Int).SetAllOne(), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid allowance %q: %w", s, err)
	}
	return v, nil
}

// IsValidPair reports whether both tokens are in the same class.
func (c *TokenChecker) IsValidPair(sourceChainID uint64, sourceToken common.Address, targetChainID uint64, targetToken common.Address) bool {
	src, ok := c.tokens[tokenKey{sourceChainID, sourceToken}]
	if !ok {
		return false
	}
	tgt, ok := c.tokens[tokenKey{targetChainID, targetToken}]
	return ok && src.class == tgt.class
}

// Allowance returns the approval cap for a token, or nil when none is
// configured.
func (c *TokenChecker) Allowance(chainID uint64, token common.Address) *big.Int {
	info, ok := c.tokens[tokenKey{chainID, token}]
	if !ok || info.allowance == nil {
		return nil
	}
	return info.allowance.ToBig()
}

// AllowancePermits reports whether the approval policy covers amount.
func (c *TokenChecker) AllowancePermits(chainID uint64, token common.Address, amount *big.Int) bool {
	allowance := c.Allowance(chainID, token)
	return allowance == nil || allowance.Cmp(amount) >= 0
}

// Symbols lists the configured classes in order.
func (c *TokenChecker) Symbols() []string {
	return append([]string(nil), c.symbols...)
}
