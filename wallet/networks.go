package wallet

// Network describes one supported chain.
type Network struct {
	ChainID     uint64   `json:"chainId"`
	Name        string   `json:"name"`
	Currency    string   `json:"currency"`
	Decimals    int      `json:"decimals"`
	RPCURLs     []string `json:"rpcUrls"`
	ExplorerURL string   `json:"explorerUrl"`
}

// Supported chain IDs.
const (
	CreditcoinMainnetID uint64 = 102031
	CreditcoinTestnetID uint64 = 102032
)

// Networks is the static table of chains the gateway knows how to add to
// a wallet.
var Networks = map[uint64]Network{
	CreditcoinMainnetID: {
		ChainID:     CreditcoinMainnetID,
		Name:        "Creditcoin Mainnet",
		Currency:    "CTC",
		Decimals:    18,
		RPCURLs:     []string{"https://rpc.mainnet.creditcoin.network"},
		ExplorerURL: "https://explorer.creditcoin.network",
	},
	CreditcoinTestnetID: {
		ChainID:     CreditcoinTestnetID,
		Name:        "Creditcoin Testnet",
		Currency:    "tCTC",
		Decimals:    18,
		RPCURLs:     []string{"https://rpc.testnet.creditcoin.network"},
		ExplorerURL: "https://testnet-explorer.creditcoin.network",
	},
}

// LookupNetwork returns the static definition for chainID.
func LookupNetwork(chainID uint64) (Network, bool) {
	n, ok := Networks[chainID]
	return n, ok
}
