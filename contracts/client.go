// Package contracts is the marketplace client: listing datasets, buying
// licenses, and reading license NFT state, all through the wallet
// gateway so every transaction goes through its session and error
// classification.
package contracts

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/meridian-io/gateway/fault"
	"github.com/meridian-io/gateway/wallet"
)

// caller is the slice of the wallet gateway the client needs.
type caller interface {
	Provider() wallet.Provider
	SendTransaction(ctx context.Context, req wallet.TxRequest) (common.Hash, error)
	NetworkInfo() (wallet.Network, bool)
}

// Listing is one marketplace entry.
type Listing struct {
	DatasetID string         `json:"datasetId"`
	Provider  common.Address `json:"provider"`
	Price     *big.Int       `json:"price"`
	Active    bool           `json:"active"`
}

// NFTDetails describes one minted license.
type NFTDetails struct {
	TokenID   *big.Int       `json:"tokenId"`
	Owner     common.Address `json:"owner"`
	DatasetID string         `json:"datasetId"`
	Provider  common.Address `json:"provider"`
}

// Client talks to the license NFT and marketplace contracts.
type Client struct {
	gw         caller
	nftAddr    common.Address
	marketAddr common.Address
	nft        abi.ABI
	market     abi.ABI
}

// NewClient builds a client for the deployed contract addresses.
func NewClient(gw caller, licenseNFT, marketplace string) (*Client, error) {
	if !common.IsHexAddress(licenseNFT) {
		return nil, fault.New(fault.KindValidationError).WithMessage("invalid license NFT address")
	}
	if !common.IsHexAddress(marketplace) {
		return nil, fault.New(fault.KindValidationError).WithMessage("invalid marketplace address")
	}

	nft, err := abi.JSON(strings.NewReader(licenseNFTABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse license NFT ABI: %w", err)
	}
	market, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse marketplace ABI: %w", err)
	}

	return &Client{
		gw:         gw,
		nftAddr:    common.HexToAddress(licenseNFT),
		marketAddr: common.HexToAddress(marketplace),
		nft:        nft,
		market:     market,
	}, nil
}

// ListDataset puts a dataset up for sale at price wei.
func (c *Client) ListDataset(ctx context.Context, datasetID string, price *big.Int) (common.Hash, error) {
	if datasetID == "" {
		return common.Hash{}, fault.New(fault.KindValidationError).WithMessage("dataset ID is required")
	}
	if price == nil || price.Sign() <= 0 {
		return common.Hash{}, fault.New(fault.KindValidationError).WithMessage("price must be positive")
	}

	data, err := c.market.Pack("list", datasetID, price)
	if err != nil {
		return common.Hash{}, fault.Wrap(fault.KindContractError, err)
	}
	hash, err := c.gw.SendTransaction(ctx, wallet.TxRequest{To: &c.marketAddr, Data: data})
	if err != nil {
		return common.Hash{}, err
	}

	log.Info().Str("dataset", datasetID).Str("tx", hash.Hex()).Msg("Dataset listed")
	return hash, nil
}

// BuyLicense purchases a license for datasetID, paying the listed price.
// The listing is checked first so an inactive listing fails without
// broadcasting anything.
func (c *Client) BuyLicense(ctx context.Context, datasetID string) (common.Hash, error) {
	listing, err := c.GetListing(ctx, datasetID)
	if err != nil {
		return common.Hash{}, err
	}
	if !listing.Active {
		return common.Hash{}, fault.New(fault.KindContractError).WithMessage("dataset is not listed")
	}

	data, err := c.market.Pack("buy", datasetID)
	if err != nil {
		return common.Hash{}, fault.Wrap(fault.KindContractError, err)
	}
	hash, err := c.gw.SendTransaction(ctx, wallet.TxRequest{
		To:    &c.marketAddr,
		Value: listing.Price,
		Data:  data,
	})
	if err != nil {
		return common.Hash{}, err
	}

	log.Info().Str("dataset", datasetID).Str("tx", hash.Hex()).Msg("License purchased")
	return hash, nil
}

// PurchasedTokenID extracts the minted token ID from a buy transaction's
// receipt, once it is mined. A successful receipt without a Purchased
// event returns a nil token ID; callers can look the token up later via
// the NFT contract.
func (c *Client) PurchasedTokenID(ctx context.Context, txHash common.Hash) (*big.Int, error) {
	receipt, err := c.gw.Provider().TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkError, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fault.New(fault.KindTransactionFailed)
	}

	purchased := c.market.Events["Purchased"]
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != purchased.ID {
			continue
		}
		values, err := c.market.Unpack("Purchased", lg.Data)
		if err != nil {
			return nil, fault.Wrap(fault.KindContractError, err)
		}
		// Data layout: datasetId, buyer, tokenId.
		if len(values) < 3 {
			continue
		}
		tokenID, ok := values[2].(*big.Int)
		if !ok {
			continue
		}
		return tokenID, nil
	}
	return nil, nil
}

// GetListing reads the marketplace entry for datasetID.
func (c *Client) GetListing(ctx context.Context, datasetID string) (Listing, error) {
	values, err := c.call(ctx, c.market, c.marketAddr, "listings", datasetID)
	if err != nil {
		return Listing{}, err
	}

	provider, ok1 := values[0].(common.Address)
	price, ok2 := values[1].(*big.Int)
	active, ok3 := values[2].(bool)
	if !ok1 || !ok2 || !ok3 {
		return Listing{}, fault.New(fault.KindContractError).WithMessage("unexpected listing shape")
	}
	return Listing{DatasetID: datasetID, Provider: provider, Price: price, Active: active}, nil
}

// GetBalance returns how many licenses owner holds.
func (c *Client) GetBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return c.callUint(ctx, c.nft, c.nftAddr, "balanceOf", owner)
}

// GetNFTDetails reads owner, dataset and provider for one token.
func (c *Client) GetNFTDetails(ctx context.Context, tokenID *big.Int) (NFTDetails, error) {
	ownerVals, err := c.call(ctx, c.nft, c.nftAddr, "ownerOf", tokenID)
	if err != nil {
		return NFTDetails{}, err
	}
	datasetVals, err := c.call(ctx, c.nft, c.nftAddr, "datasetIds", tokenID)
	if err != nil {
		return NFTDetails{}, err
	}
	providerVals, err := c.call(ctx, c.nft, c.nftAddr, "providers", tokenID)
	if err != nil {
		return NFTDetails{}, err
	}

	owner, ok1 := ownerVals[0].(common.Address)
	dataset, ok2 := datasetVals[0].(string)
	provider, ok3 := providerVals[0].(common.Address)
	if !ok1 || !ok2 || !ok3 {
		return NFTDetails{}, fault.New(fault.KindContractError).WithMessage("unexpected token shape")
	}
	return NFTDetails{TokenID: tokenID, Owner: owner, DatasetID: dataset, Provider: provider}, nil
}

// GetTotalSupply returns the number of minted licenses.
func (c *Client) GetTotalSupply(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, c.nft, c.nftAddr, "totalSupply")
}

// GetPlatformFee returns the marketplace fee percentage.
func (c *Client) GetPlatformFee(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, c.market, c.marketAddr, "feePercent")
}

// GetTotalFees returns the accumulated platform fees in wei.
func (c *Client) GetTotalFees(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, c.market, c.marketAddr, "totalFees")
}

// WithdrawFees withdraws accumulated platform fees to the caller.
func (c *Client) WithdrawFees(ctx context.Context) (common.Hash, error) {
	data, err := c.market.Pack("withdraw")
	if err != nil {
		return common.Hash{}, fault.Wrap(fault.KindContractError, err)
	}
	return c.gw.SendTransaction(ctx, wallet.TxRequest{To: &c.marketAddr, Data: data})
}

// ExplorerTxURL returns the block explorer page for a transaction.
func (c *Client) ExplorerTxURL(hash common.Hash) string {
	network, ok := c.gw.NetworkInfo()
	if !ok {
		return ""
	}
	return network.ExplorerURL + "/tx/" + hash.Hex()
}

// ExplorerAddressURL returns the block explorer page for an address.
func (c *Client) ExplorerAddressURL(addr common.Address) string {
	network, ok := c.gw.NetworkInfo()
	if !ok {
		return ""
	}
	return network.ExplorerURL + "/address/" + addr.Hex()
}

func (c *Client) call(ctx context.Context, contract abi.ABI, addr common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fault.Wrap(fault.KindContractError, err)
	}

	provider := c.gw.Provider()
	if provider == nil {
		return nil, fault.New(fault.KindNoWalletDetected)
	}

	out, err := provider.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data})
	if err != nil {
		return nil, fault.Wrap(fault.KindContractError, err)
	}
	if len(out) == 0 {
		return nil, fault.New(fault.KindContractNotFound).
			WithMessage(fmt.Sprintf("no contract code at %s", addr.Hex()))
	}

	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fault.Wrap(fault.KindContractError, err)
	}
	return values, nil
}

func (c *Client) callUint(ctx context.Context, contract abi.ABI, addr common.Address, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, contract, addr, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fault.New(fault.KindContractError).WithMessage("unexpected return shape")
	}
	return v, nil
}
