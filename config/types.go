package config

// DealConfig holds the engine parameters. Amounts are decimal strings so
// values beyond 64 bits survive the TOML round trip.
type DealConfig struct {
	ServiceIdentity    string `toml:"ServiceIdentity"`
	FeeRecipient       string `toml:"FeeRecipient"`
	FeeEligibleAsset   string `toml:"FeeEligibleAsset"`
	HolderAsset        string `toml:"HolderAsset"`
	HolderThreshold    string `toml:"HolderThreshold"`
	HolderWaiverAmount string `toml:"HolderWaiverAmount"`
	RecordDeposit      string `toml:"RecordDeposit"`
	AccountDeposit     string `toml:"AccountDeposit"`
}

// AssetConfig registers an asset with the bundled ledger at start-up.
type AssetConfig struct {
	Symbol        string `toml:"Symbol"`
	Name          string `toml:"Name"`
	Decimals      uint8  `toml:"Decimals"`
	MintAuthority string `toml:"MintAuthority,omitempty"`
}

func defaultDealConfig() DealConfig {
	return DealConfig{
		FeeEligibleAsset:   "USDC",
		HolderAsset:        "HOLD",
		HolderThreshold:    "500000000000",
		HolderWaiverAmount: "500000000000",
		RecordDeposit:      "2000000",
		AccountDeposit:     "2039280",
	}
}

func defaultAssets() []AssetConfig {
	return []AssetConfig{
		{Symbol: "USDC", Name: "USD Coin", Decimals: 6},
		{Symbol: "HOLD", Name: "Holder Token", Decimals: 6},
	}
}
