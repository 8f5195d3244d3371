package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"dealchain/crypto"
	"dealchain/native/deal"
)

// Validate checks the configuration can be turned into engine parameters.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("backend: unsupported %q", c.Backend)
	}
	if _, err := c.DealParams(); err != nil {
		return err
	}
	if _, err := c.AccountDeposit(); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(c.Assets))
	for _, asset := range c.Assets {
		symbol, err := deal.NormalizeAsset(asset.Symbol)
		if err != nil {
			return fmt.Errorf("assets: %w", err)
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("assets: %s listed twice", symbol)
		}
		seen[symbol] = struct{}{}
		if strings.TrimSpace(asset.Name) == "" {
			return fmt.Errorf("assets: %s: name must not be empty", symbol)
		}
		if asset.MintAuthority != "" {
			if _, err := crypto.ParseIdentity(asset.MintAuthority); err != nil {
				return fmt.Errorf("assets: %s: mint authority: %w", symbol, err)
			}
		}
	}
	return nil
}

// DealParams builds the immutable engine parameters.
func (c *Config) DealParams() (deal.Params, error) {
	service, err := crypto.ParseIdentity(c.Deal.ServiceIdentity)
	if err != nil {
		return deal.Params{}, fmt.Errorf("deal: ServiceIdentity: %w", err)
	}
	recipient, err := crypto.ParseIdentity(c.Deal.FeeRecipient)
	if err != nil {
		return deal.Params{}, fmt.Errorf("deal: FeeRecipient: %w", err)
	}
	params := deal.Params{
		ServiceIdentity:  service,
		FeeRecipient:     recipient,
		FeeEligibleAsset: c.Deal.FeeEligibleAsset,
		HolderAsset:      c.Deal.HolderAsset,
	}
	for _, field := range []struct {
		name string
		raw  string
		dst  **uint256.Int
	}{
		{"HolderThreshold", c.Deal.HolderThreshold, &params.HolderThreshold},
		{"HolderWaiverAmount", c.Deal.HolderWaiverAmount, &params.HolderWaiverAmount},
		{"RecordDeposit", c.Deal.RecordDeposit, &params.RecordDeposit},
	} {
		if *field.dst, err = parseAmount(field.raw); err != nil {
			return deal.Params{}, fmt.Errorf("deal: %s: %w", field.name, err)
		}
	}
	return params.Validate()
}

// AccountDeposit returns the native deposit charged per ledger account.
func (c *Config) AccountDeposit() (*uint256.Int, error) {
	v, err := parseAmount(c.Deal.AccountDeposit)
	if err != nil {
		return nil, fmt.Errorf("deal: AccountDeposit: %w", err)
	}
	return v, nil
}

func parseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(trimmed)
}
