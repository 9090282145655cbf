package contracts

// ABI definitions for the deployed marketplace contracts, mirroring the
// on-chain license NFT and dataset marketplace interfaces; only the
// functions and events the gateway uses are declared. Event inputs are
// not indexed, so decoded values arrive in declaration order in the log
// data.

const licenseNFTABI = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"datasetId","type":"string"},{"name":"provider","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"datasetIds","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"providers","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"LicenseMinted","inputs":[{"name":"tokenId","type":"uint256","indexed":false},{"name":"buyer","type":"address","indexed":false},{"name":"provider","type":"address","indexed":false},{"name":"datasetId","type":"string","indexed":false}]}
]`

const marketplaceABI = `[
	{"type":"function","name":"list","stateMutability":"nonpayable","inputs":[{"name":"datasetId","type":"string"},{"name":"price","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"buy","stateMutability":"payable","inputs":[{"name":"datasetId","type":"string"}],"outputs":[]},
	{"type":"function","name":"listings","stateMutability":"view","inputs":[{"name":"datasetId","type":"string"}],"outputs":[{"name":"provider","type":"address"},{"name":"price","type":"uint256"},{"name":"active","type":"bool"}]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"feePercent","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"totalFees","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Listed","inputs":[{"name":"datasetId","type":"string","indexed":false},{"name":"provider","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false}]},
	{"type":"event","name":"Purchased","inputs":[{"name":"datasetId","type":"string","indexed":false},{"name":"buyer","type":"address","indexed":false},{"name":"tokenId","type":"uint256","indexed":false}]}
]`
