// Package txn assembles, signs and serializes EIP-1559 mint transactions.
package txn

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ezdrm/mintpool/internal/chain"
	"github.com/ezdrm/mintpool/internal/chain/rpc"
	"github.com/ezdrm/mintpool/internal/domain/model"
)

const mintABIJSON = `[
	{
		"name": "mintTo",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "uri", "type": "string"},
			{"name": "name", "type": "string"},
			{"name": "description", "type": "string"},
			{"name": "attributes", "type": "string"}
		],
		"outputs": [{"name": "tokenId", "type": "uint256"}]
	},
	{
		"name": "Transfer",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "from", "type": "address", "indexed": true},
			{"name": "to", "type": "address", "indexed": true},
			{"name": "tokenId", "type": "uint256", "indexed": true}
		]
	}
]`

// Builder encodes mintTo calldata and assembles dynamic-fee transactions
// for the configured NFT contract.
type Builder struct {
	client   chain.Client
	contract common.Address
	chainID  *big.Int
	mintABI  abi.ABI
}

func NewBuilder(client chain.Client, contractAddress string, chainID int64) (*Builder, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(mintABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse mint abi: %w", err)
	}
	return &Builder{
		client:   client,
		contract: common.HexToAddress(contractAddress),
		chainID:  big.NewInt(chainID),
		mintABI:  parsed,
	}, nil
}

// EncodeMintTo packs the mintTo calldata. Empty attributes become "{}"
// so the contract always receives valid JSON.
func (b *Builder) EncodeMintTo(payload model.MintPayload, tokenURI string) ([]byte, error) {
	if !common.IsHexAddress(payload.Recipient) {
		return nil, fmt.Errorf("invalid recipient address %q", payload.Recipient)
	}
	attributes := "{}"
	if len(payload.Attributes) > 0 {
		attributes = string(payload.Attributes)
	}
	data, err := b.mintABI.Pack("mintTo",
		common.HexToAddress(payload.Recipient),
		tokenURI,
		payload.Name,
		payload.Description,
		attributes,
	)
	if err != nil {
		return nil, fmt.Errorf("pack mintTo: %w", err)
	}
	return data, nil
}

// Build encodes the calldata, estimates gas with a 20% headroom and
// assembles an unsigned dynamic-fee transaction at the given nonce.
func (b *Builder) Build(ctx context.Context, payload model.MintPayload, tokenURI, workerAddress string, nonce uint64, fees *chain.Fees) (*types.Transaction, error) {
	data, err := b.EncodeMintTo(payload, tokenURI)
	if err != nil {
		return nil, err
	}

	gas, err := b.client.EstimateGas(ctx, rpc.CallMsg{
		From: workerAddress,
		To:   b.contract.Hex(),
		Data: hexutil.Encode(data),
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	to := b.contract
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: fees.PriorityFee,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       chain.BufferGas(gas),
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	}), nil
}

// Contract returns the NFT contract address transactions are sent to.
func (b *Builder) Contract() common.Address {
	return b.contract
}

// ChainID returns the chain id the builder assembles transactions for.
func (b *Builder) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

// TransferTopic returns the keccak hash of the ERC-721 Transfer event
// signature, used to locate the mint log in a receipt.
func (b *Builder) TransferTopic() common.Hash {
	return b.mintABI.Events["Transfer"].ID
}
