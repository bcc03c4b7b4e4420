package config

// DevNetworkName selects the in-process simulated chain.
const DevNetworkName = "dev"

var profiles = map[string]Network{
	"base": {
		ChainID:       8453,
		Name:          "Base",
		RPCURL:        "https://mainnet.base.org",
		BlockExplorer: "https://basescan.org",
		Contracts: Contracts{
			Savings: "0xC5c0b76ebBF263DC4D28beA09B6F7BA2C023e820",
			USDC:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			WBTC:    "0x0555E30da8f98308EdB960aa94C0Db47230d2B9c",
		},
	},
	"base-sepolia": {
		ChainID:       84532,
		Name:          "Base Sepolia",
		RPCURL:        "https://sepolia.base.org",
		BlockExplorer: "https://sepolia.basescan.org",
		Contracts: Contracts{
			Savings: "0xBa71207D0e8d7605FA6e001972C3c8B464Bd5F5B",
			USDC:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			WBTC:    "0xaa75cE9Ea5448d29e126039F142CB24c6312D5Ed",
		},
	},
	DevNetworkName: {
		ChainID: 1337,
		Name:    "Devchain",
		Contracts: Contracts{
			Savings: "0x00000000000000000000000000000000000000A1",
			USDC:    "0x00000000000000000000000000000000000000B1",
			WBTC:    "0x00000000000000000000000000000000000000B2",
		},
	},
}

// Profile returns a built-in network profile by name.
func Profile(name string) (Network, bool) {
	n, ok := profiles[name]
	return n, ok
}
