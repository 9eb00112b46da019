package solana

import (
	"fmt"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// knownPrograms maps DEX program ids to their platform names.
var knownPrograms = map[string]string{
	"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM": DexRaydium,
	"JUP2jxvXaqu7NQY1GmNF4m1vodw12LVXYxbFL2uJvfo":  DexJupiter,
	"DjVE6JNiYqPL2QXyCUUh8rNjHrbz9hXHNYt99MQ59qw1": DexOrca,
	"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin": DexSerum,
	"SSwpkEEcbUqx4vtoEByFjSkhKdCT862DNVb52nZg1UZ":  DexSaber,
	"MERLuDFBMmsHnsBPZw2sDQZHvXFMwp8EdjudcU2HKky":  DexMercurial,
	"AMM55ShdkoGRB5jVYPjWziwk8m5MpwyDgsMWHaMSQWH6": DexAldrin,
}

// systemAddresses are never reported as transfer counterparts.
var systemAddresses = map[string]struct{}{
	"11111111111111111111111111111111":             {}, // System Program
	"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA":  {}, // Token Program
	"ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL": {}, // Associated Token Program
	"ComputeBudget111111111111111111111111111111":  {}, // Compute Budget
	"SysvarRent111111111111111111111111111111111":  {},
	"SysvarC1ock11111111111111111111111111111111":  {},
}

var knownTokens = map[string]TokenInfo{
	nativeSOLMint:  {Mint: nativeSOLMint, Symbol: "SOL", Name: "Solana", Decimals: 9},
	wrappedSOLMint: {Mint: wrappedSOLMint, Symbol: "SOL", Name: "Wrapped Solana", Decimals: 9},
	"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v": {Mint: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Symbol: "USDC", Name: "USD Coin", Decimals: 6},
	"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB": {Mint: "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", Symbol: "USDT", Name: "Tether USD", Decimals: 6},
}

// KnownToken looks up static metadata for a mint.
func KnownToken(mint string) (TokenInfo, bool) {
	t, ok := knownTokens[mint]
	return t, ok
}

// Classifier types transactions and values them in USD.
type Classifier struct {
	prices PriceSource
	log    logx.Logger
}

func NewClassifier(prices PriceSource, log logx.Logger) *Classifier {
	return &Classifier{prices: prices, log: log}
}

// Classify analyzes one transaction relative to the monitored wallet.
// It never returns a nil Analysis together with a nil error.
func (c *Classifier) Classify(tx *Transaction, walletAddress string) (*Analysis, error) {
	if tx == nil {
		return nil, fmt.Errorf("nil transaction")
	}

	a := &Analysis{
		Tx:          tx,
		Type:        TypeUnknown,
		DexPlatform: DexUnknown,
		RiskLevel:   RiskLow,
	}
	if tx.Fee > 0 {
		a.GasFeeSOL = float64(tx.Fee) / lamportsPerSOL
	}

	c.identifyType(a)

	switch a.Type {
	case TypeDexSwap:
		c.analyzeSwap(a)
	case TypeSOLTransfer, TypeTokenTransfer:
		c.analyzeTransfer(a, walletAddress)
	}

	c.valueInUSD(a)
	c.assessRisk(a)
	return a, nil
}

// identifyType checks the program table first, then balance-change shape,
// then parsed instruction types. Anything with instructions but no better
// match is a program interaction.
func (c *Classifier) identifyType(a *Analysis) {
	tx := a.Tx

	for _, ins := range tx.Instructions {
		if platform, ok := knownPrograms[ins.ProgramID]; ok {
			a.DexPlatform = platform
			a.Type = TypeDexSwap
			return
		}
	}

	if len(tx.PreBalances) > 0 && len(tx.PostBalances) > 0 {
		changed := 0
		pos, neg := false, false
		n := len(tx.PreBalances)
		if len(tx.PostBalances) < n {
			n = len(tx.PostBalances)
		}
		for i := 0; i < n; i++ {
			d := int64(tx.PostBalances[i]) - int64(tx.PreBalances[i])
			if d != 0 {
				changed++
				if d > 0 {
					pos = true
				} else {
					neg = true
				}
			}
		}
		if changed == 2 && pos && neg {
			a.Type = TypeSOLTransfer
			return
		}
	}

	for _, ins := range tx.Instructions {
		if ins.Parsed == nil {
			continue
		}
		switch ins.Parsed.Type {
		case "transfer", "transferChecked":
			a.Type = TypeSOLTransfer
			return
		case "mintTo", "mintToChecked":
			a.Type = TypeTokenMint
			return
		case "burn", "burnChecked":
			a.Type = TypeTokenBurn
			return
		}
	}

	if len(tx.Instructions) > 0 {
		a.Type = TypeProgramInteraction
	}
}

type balanceChange struct {
	index   int
	address string
	delta   int64 // lamports
}

func balanceChanges(tx *Transaction) []balanceChange {
	n := len(tx.PreBalances)
	if len(tx.PostBalances) < n {
		n = len(tx.PostBalances)
	}
	var out []balanceChange
	for i := 0; i < n; i++ {
		d := int64(tx.PostBalances[i]) - int64(tx.PreBalances[i])
		if d == 0 {
			continue
		}
		addr := ""
		if i < len(tx.Accounts) {
			addr = tx.Accounts[i]
		}
		out = append(out, balanceChange{index: i, address: addr, delta: d})
	}
	return out
}

// analyzeSwap infers swap legs from balance deltas. Leg mints stay unknown
// without DEX-specific instruction parsing; amounts are in SOL units.
func (c *Classifier) analyzeSwap(a *Analysis) {
	changes := balanceChanges(a.Tx)
	var negs, poss []balanceChange
	for _, ch := range changes {
		if ch.delta < 0 {
			negs = append(negs, ch)
		} else {
			poss = append(poss, ch)
		}
	}
	if len(negs) == 0 || len(poss) == 0 {
		return
	}
	a.Swap = &SwapInfo{
		FromToken:  TokenInfo{Mint: "unknown", Symbol: "UNKNOWN"},
		ToToken:    TokenInfo{Mint: "unknown", Symbol: "UNKNOWN"},
		FromAmount: float64(-negs[0].delta) / lamportsPerSOL,
		ToAmount:   float64(poss[0].delta) / lamportsPerSOL,
	}
}

// analyzeTransfer extracts sender/receiver and the wallet-relative direction.
// The counterpart is the account whose balance moved opposite the wallet's,
// skipping system program addresses.
func (c *Classifier) analyzeTransfer(a *Analysis, walletAddress string) {
	tx := a.Tx
	changes := balanceChanges(tx)
	if len(changes) == 0 {
		return
	}

	var fromAddr, toAddr string
	var amount float64
	for _, ch := range changes {
		if ch.delta < 0 {
			fromAddr = ch.address
			amount = float64(-ch.delta) / lamportsPerSOL
		} else if ch.delta > 0 {
			toAddr = ch.address
		}
	}
	if fromAddr == "" || toAddr == "" {
		return
	}

	info := &TransferInfo{
		FromAddress: fromAddr,
		ToAddress:   toAddr,
		Token:       knownTokens[nativeSOLMint],
		Amount:      amount,
	}

	if walletAddress != "" {
		dir, counterpart := transferDirection(tx, walletAddress)
		info.Direction = dir
		info.Counterpart = counterpart
		if dir == "" {
			c.log.Debug("wallet not found in balance changes",
				logx.String("signature", tx.Signature),
				logx.String("wallet", walletAddress),
			)
		}
	}
	a.Transfer = info
}

func transferDirection(tx *Transaction, walletAddress string) (direction, counterpart string) {
	walletIdx := -1
	for i, acc := range tx.Accounts {
		if acc == walletAddress {
			walletIdx = i
			break
		}
	}
	if walletIdx < 0 || walletIdx >= len(tx.PreBalances) || walletIdx >= len(tx.PostBalances) {
		return "", ""
	}

	walletDelta := int64(tx.PostBalances[walletIdx]) - int64(tx.PreBalances[walletIdx])
	if walletDelta == 0 {
		return "", ""
	}

	for _, ch := range balanceChanges(tx) {
		if ch.index == walletIdx || ch.address == "" {
			continue
		}
		opposite := (walletDelta > 0 && ch.delta < 0) || (walletDelta < 0 && ch.delta > 0)
		if !opposite {
			continue
		}
		if isSystemAddress(ch.address) {
			continue
		}
		counterpart = ch.address
		break
	}

	if walletDelta > 0 {
		return "in", counterpart
	}
	return "out", counterpart
}

func isSystemAddress(address string) bool {
	if _, ok := systemAddresses[address]; ok {
		return true
	}
	if _, ok := knownPrograms[address]; ok {
		return true
	}
	return false
}

// valueInUSD fills the USD fields from the price source. Missing prices leave
// zeros; valuation never fails a classification.
func (c *Classifier) valueInUSD(a *Analysis) {
	solPrice, ok := c.prices.PriceUSD("SOL")
	if !ok {
		return
	}

	if a.GasFeeSOL > 0 {
		a.GasFeeUSD = a.GasFeeSOL * solPrice
	}

	if a.Swap != nil {
		if a.Swap.FromToken.Symbol == "SOL" {
			a.Swap.FromAmountUSD = a.Swap.FromAmount * solPrice
		}
		if a.Swap.ToToken.Symbol == "SOL" {
			a.Swap.ToAmountUSD = a.Swap.ToAmount * solPrice
		}
		if a.Swap.FromAmountUSD > 0 {
			a.TotalValueUSD = a.Swap.FromAmountUSD
		} else if a.Swap.ToAmountUSD > 0 {
			a.TotalValueUSD = a.Swap.ToAmountUSD
		}
		return
	}

	if a.Transfer != nil && a.Transfer.Token.Symbol == "SOL" {
		a.Transfer.AmountUSD = a.Transfer.Amount * solPrice
		a.TotalValueUSD = a.Transfer.AmountUSD
	}
}

const (
	largeAmountUSD    = 10_000.0
	highSlippageRatio = 0.05
)

func (c *Classifier) assessRisk(a *Analysis) {
	var factors []string

	if !a.Tx.Success() {
		factors = append(factors, "transaction_failed")
	}
	if a.TotalValueUSD > largeAmountUSD {
		factors = append(factors, "large_amount")
	}
	if a.Swap != nil {
		if a.Swap.FromToken.Symbol == "UNKNOWN" || a.Swap.ToToken.Symbol == "UNKNOWN" {
			factors = append(factors, "unknown_token")
		}
		if a.Swap.PriceImpact > highSlippageRatio {
			factors = append(factors, "high_slippage")
		}
	}

	switch {
	case len(factors) >= 3:
		a.RiskLevel = RiskHigh
	case len(factors) >= 1:
		a.RiskLevel = RiskMedium
	default:
		a.RiskLevel = RiskLow
	}
	a.RiskFactors = factors
}
