package solana

// ImportancePolicy governs event types that carry no meaningful amount
// threshold. Defaults mirror DefaultImportancePolicy; operators may override
// all three in configuration.
type ImportancePolicy struct {
	Burn               bool
	Mint               bool
	ProgramInteraction bool
}

func DefaultImportancePolicy() ImportancePolicy {
	return ImportancePolicy{Burn: true, Mint: false, ProgramInteraction: false}
}

// WalletThresholds are the per-wallet importance inputs.
type WalletThresholds struct {
	// MinAmountSOL applies to transfers and the SOL legs of swaps/liquidity.
	MinAmountSOL float64
	// ExcludedTokens are mints never considered important for this wallet.
	ExcludedTokens map[string]struct{}
}

// IsImportant is a pure predicate: given a classified transaction and the
// wallet's thresholds, does it warrant further processing?
func IsImportant(a *Analysis, thr WalletThresholds, policy ImportancePolicy) bool {
	if a == nil {
		return false
	}

	if excludedToken(a, thr.ExcludedTokens) {
		return false
	}

	switch a.Type {
	case TypeSOLTransfer, TypeTokenTransfer:
		if a.Transfer == nil {
			return false
		}
		return a.Transfer.Amount >= thr.MinAmountSOL

	case TypeDexSwap:
		if a.Swap == nil {
			return false
		}
		// Either SOL leg over threshold qualifies.
		if a.Swap.FromToken.Symbol == "SOL" && a.Swap.FromAmount >= thr.MinAmountSOL {
			return true
		}
		if a.Swap.ToToken.Symbol == "SOL" && a.Swap.ToAmount >= thr.MinAmountSOL {
			return true
		}
		// Legs with unknown mints still move lamports; fall back to the raw
		// balance-delta amounts.
		if a.Swap.FromToken.Symbol == "UNKNOWN" && a.Swap.FromAmount >= thr.MinAmountSOL {
			return true
		}
		if a.Swap.ToToken.Symbol == "UNKNOWN" && a.Swap.ToAmount >= thr.MinAmountSOL {
			return true
		}
		return false

	case TypeDexAddLiquidity, TypeDexRemoveLiquidity:
		if a.Swap == nil {
			return false
		}
		return a.Swap.FromAmount >= thr.MinAmountSOL || a.Swap.ToAmount >= thr.MinAmountSOL

	case TypeTokenBurn:
		return policy.Burn
	case TypeTokenMint:
		return policy.Mint
	case TypeProgramInteraction:
		return policy.ProgramInteraction
	default:
		return false
	}
}

func excludedToken(a *Analysis, excluded map[string]struct{}) bool {
	if len(excluded) == 0 {
		return false
	}
	if a.Transfer != nil {
		if _, bad := excluded[a.Transfer.Token.Mint]; bad {
			return true
		}
	}
	if a.Swap != nil {
		if _, bad := excluded[a.Swap.FromToken.Mint]; bad {
			return true
		}
		if _, bad := excluded[a.Swap.ToToken.Mint]; bad {
			return true
		}
	}
	return false
}
