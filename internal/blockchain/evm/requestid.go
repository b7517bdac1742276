package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxNonce is the largest value a uint96 request nonce can take.
var MaxNonce = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))

// ComputeRequestID derives the request id the RequestManager assigns:
//
//	keccak256(abi.encodePacked(uint256 sourceChainId, uint256 targetChainId,
//	    address targetToken, address targetReceiver, uint256 amount, uint96 nonce))
//
// which packs to 32 + 32 + 20 + 20 + 32 + 12 = 148 bytes.
func ComputeRequestID(
	sourceChainID uint64,
	targetChainID uint64,
	targetToken common.Address,
	targetReceiver common.Address,
	amount *big.Int,
	nonce *big.Int,
) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("amount out of uint256 range")
	}
	if nonce == nil || nonce.Sign() < 0 || nonce.Cmp(MaxNonce) > 0 {
		return common.Hash{}, fmt.Errorf("nonce out of uint96 range")
	}

	data := make([]byte, 0, 148)
	data = append(data, math.U256Bytes(new(big.Int).SetUint64(sourceChainID))...)
	data = append(data, math.U256Bytes(new(big.Int).SetUint64(targetChainID))...)
	data = append(data, targetToken.Bytes()...)
	data = append(data, targetReceiver.Bytes()...)
	data = append(data, math.U256Bytes(new(big.Int).Set(amount))...)
	data = append(data, math.PaddedBigBytes(nonce, 12)...)

	return crypto.Keccak256Hash(data), nil
}
