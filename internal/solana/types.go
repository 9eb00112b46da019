package solana

import "time"

const lamportsPerSOL = 1_000_000_000

// Event types produced by the classifier.
const (
	TypeUnknown            = "unknown"
	TypeSOLTransfer        = "sol_transfer"
	TypeTokenTransfer      = "token_transfer"
	TypeDexSwap            = "dex_swap"
	TypeDexAddLiquidity    = "dex_add_liquidity"
	TypeDexRemoveLiquidity = "dex_remove_liquidity"
	TypeTokenMint          = "token_mint"
	TypeTokenBurn          = "token_burn"
	TypeProgramInteraction = "program_interaction"
)

// DEX platforms recognized by program id.
const (
	DexUnknown   = "unknown"
	DexRaydium   = "raydium"
	DexJupiter   = "jupiter"
	DexOrca      = "orca"
	DexSerum     = "serum"
	DexSaber     = "saber"
	DexMercurial = "mercurial"
	DexAldrin    = "aldrin"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	nativeSOLMint  = "11111111111111111111111111111111"
	wrappedSOLMint = "So11111111111111111111111111111111111111112"
)

// SignatureInfo is one entry from getSignaturesForAddress.
type SignatureInfo struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Err       any    `json:"err"`
}

// Time converts BlockTime; zero when the node reported none.
func (s SignatureInfo) Time() time.Time {
	if s.BlockTime == nil || *s.BlockTime == 0 {
		return time.Time{}
	}
	return time.Unix(*s.BlockTime, 0).UTC()
}

// Instruction is the parsed instruction shape we care about.
type Instruction struct {
	ProgramID string       `json:"programId"`
	Parsed    *ParsedInstr `json:"parsed,omitempty"`
	Accounts  []string     `json:"accounts,omitempty"`
}

type ParsedInstr struct {
	Type string         `json:"type"`
	Info map[string]any `json:"info,omitempty"`
}

// Transaction is the decoded getTransaction result.
type Transaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *int64
	Err          any
	Fee          uint64
	Accounts     []string
	Instructions []Instruction
	PreBalances  []uint64
	PostBalances []uint64
}

func (t *Transaction) Success() bool { return t.Err == nil }

func (t *Transaction) Time() time.Time {
	if t.BlockTime == nil || *t.BlockTime == 0 {
		return time.Time{}
	}
	return time.Unix(*t.BlockTime, 0).UTC()
}

// TokenInfo describes one token leg.
type TokenInfo struct {
	Mint     string
	Symbol   string
	Name     string
	Decimals int
}

// SwapInfo describes a DEX swap.
type SwapInfo struct {
	FromToken     TokenInfo
	ToToken       TokenInfo
	FromAmount    float64
	ToAmount      float64
	FromAmountUSD float64
	ToAmountUSD   float64
	PriceImpact   float64
}

// TransferInfo describes a transfer relative to the monitored wallet.
type TransferInfo struct {
	FromAddress string
	ToAddress   string
	Token       TokenInfo
	Amount      float64
	AmountUSD   float64
	// Direction is "in" or "out" relative to the monitored wallet;
	// empty when the wallet did not appear in the balance changes.
	Direction   string
	Counterpart string
}

// Analysis is the classified view of one transaction.
type Analysis struct {
	Tx          *Transaction
	Type        string
	DexPlatform string

	Swap     *SwapInfo
	Transfer *TransferInfo

	TotalValueUSD float64
	GasFeeSOL     float64
	GasFeeUSD     float64

	RiskLevel   string
	RiskFactors []string
}
