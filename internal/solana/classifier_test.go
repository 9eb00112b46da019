package solana

import (
	"testing"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

const (
	walletA = "WaLLetAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	walletB = "WaLLetBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"
)

func newTestClassifier() *Classifier {
	return NewClassifier(NewStaticPriceSource(), logx.Nop())
}

func transferTx(from, to string, lamports int64) *Transaction {
	bt := int64(1_700_000_000)
	return &Transaction{
		Signature:    "sig-transfer",
		Slot:         100,
		BlockTime:    &bt,
		Fee:          5_000,
		Accounts:     []string{from, to},
		PreBalances:  []uint64{10 * lamportsPerSOL, 1 * lamportsPerSOL},
		PostBalances: []uint64{uint64(10*lamportsPerSOL - lamports), uint64(1*lamportsPerSOL + lamports)},
		Instructions: []Instruction{{ProgramID: "11111111111111111111111111111111"}},
	}
}

func TestClassifyTransferOut(t *testing.T) {
	t.Parallel()
	tx := transferTx(walletA, walletB, 2*lamportsPerSOL)

	a, err := newTestClassifier().Classify(tx, walletA)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if a.Type != TypeSOLTransfer {
		t.Fatalf("Type = %s, want %s", a.Type, TypeSOLTransfer)
	}
	tr := a.Transfer
	if tr == nil {
		t.Fatal("Transfer is nil")
	}
	if tr.Direction != "out" || tr.Counterpart != walletB {
		t.Fatalf("direction/counterpart = %s/%s, want out/%s", tr.Direction, tr.Counterpart, walletB)
	}
	if tr.Amount != 2.0 {
		t.Fatalf("Amount = %v, want 2.0", tr.Amount)
	}
	// SOL at the static 20.50 price.
	if a.TotalValueUSD != 41.0 {
		t.Fatalf("TotalValueUSD = %v, want 41.0", a.TotalValueUSD)
	}
	if a.GasFeeSOL != 5_000.0/lamportsPerSOL {
		t.Fatalf("GasFeeSOL = %v", a.GasFeeSOL)
	}
}

func TestClassifyTransferIn(t *testing.T) {
	t.Parallel()
	tx := transferTx(walletB, walletA, lamportsPerSOL/2)

	a, err := newTestClassifier().Classify(tx, walletA)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if a.Transfer == nil || a.Transfer.Direction != "in" {
		t.Fatalf("unexpected transfer: %+v", a.Transfer)
	}
	if a.Transfer.Counterpart != walletB {
		t.Fatalf("Counterpart = %s, want %s", a.Transfer.Counterpart, walletB)
	}
}

func TestClassifyDexSwapByProgramID(t *testing.T) {
	t.Parallel()
	bt := int64(1_700_000_000)
	tx := &Transaction{
		Signature: "sig-swap",
		BlockTime: &bt,
		Fee:       5_000,
		Accounts:  []string{walletA, "poolAccount111111111111111111111111111111111"},
		// Wallet pays 3 SOL into the pool.
		PreBalances:  []uint64{10 * lamportsPerSOL, 50 * lamportsPerSOL},
		PostBalances: []uint64{7 * lamportsPerSOL, 53 * lamportsPerSOL},
		Instructions: []Instruction{
			{ProgramID: "JUP2jxvXaqu7NQY1GmNF4m1vodw12LVXYxbFL2uJvfo"},
		},
	}

	a, err := newTestClassifier().Classify(tx, walletA)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if a.Type != TypeDexSwap || a.DexPlatform != DexJupiter {
		t.Fatalf("Type/platform = %s/%s, want dex_swap/jupiter", a.Type, a.DexPlatform)
	}
	if a.Swap == nil || a.Swap.FromAmount != 3.0 || a.Swap.ToAmount != 3.0 {
		t.Fatalf("unexpected swap legs: %+v", a.Swap)
	}
	// Unknown mints cannot be valued; risk must flag them.
	if !hasFactor(a.RiskFactors, "unknown_token") {
		t.Fatalf("RiskFactors = %v, want unknown_token", a.RiskFactors)
	}
	if a.RiskLevel != RiskMedium {
		t.Fatalf("RiskLevel = %s, want medium", a.RiskLevel)
	}
}

func TestClassifyParsedInstructionTypes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		parsed string
		want   string
	}{
		{name: "burn", parsed: "burn", want: TypeTokenBurn},
		{name: "burnChecked", parsed: "burnChecked", want: TypeTokenBurn},
		{name: "mintTo", parsed: "mintTo", want: TypeTokenMint},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tx := &Transaction{
				Signature:    "sig-" + tt.name,
				Instructions: []Instruction{{ProgramID: "TokenProg", Parsed: &ParsedInstr{Type: tt.parsed}}},
			}
			a, err := newTestClassifier().Classify(tx, walletA)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if a.Type != tt.want {
				t.Fatalf("Type = %s, want %s", a.Type, tt.want)
			}
		})
	}
}

func TestClassifyProgramInteractionFallback(t *testing.T) {
	t.Parallel()
	tx := &Transaction{
		Signature:    "sig-prog",
		Instructions: []Instruction{{ProgramID: "SomeRandomProgram11111111111111111111111111"}},
	}
	a, err := newTestClassifier().Classify(tx, walletA)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if a.Type != TypeProgramInteraction {
		t.Fatalf("Type = %s, want %s", a.Type, TypeProgramInteraction)
	}
}

func TestClassifyFailedTxRaisesRisk(t *testing.T) {
	t.Parallel()
	tx := transferTx(walletA, walletB, lamportsPerSOL)
	tx.Err = map[string]any{"InstructionError": []any{}}

	a, err := newTestClassifier().Classify(tx, walletA)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !hasFactor(a.RiskFactors, "transaction_failed") {
		t.Fatalf("RiskFactors = %v, want transaction_failed", a.RiskFactors)
	}
	if a.RiskLevel == RiskLow {
		t.Fatal("failed transaction kept low risk")
	}
}

func TestTransferDirectionSkipsSystemAddresses(t *testing.T) {
	t.Parallel()
	bt := int64(1_700_000_000)
	tx := &Transaction{
		Signature: "sig-sys",
		BlockTime: &bt,
		Accounts: []string{
			walletA,
			"11111111111111111111111111111111", // system program, never a counterpart
			walletB,
		},
		PreBalances:  []uint64{5 * lamportsPerSOL, 10, 0},
		PostBalances: []uint64{4 * lamportsPerSOL, 11, lamportsPerSOL - 1},
	}

	dir, counterpart := transferDirection(tx, walletA)
	if dir != "out" {
		t.Fatalf("direction = %q, want out", dir)
	}
	if counterpart != walletB {
		t.Fatalf("counterpart = %s, want %s", counterpart, walletB)
	}
}

func TestIsImportant(t *testing.T) {
	t.Parallel()
	policy := DefaultImportancePolicy()
	thr := WalletThresholds{MinAmountSOL: 1.0}

	tests := []struct {
		name string
		a    *Analysis
		thr  WalletThresholds
		want bool
	}{
		{name: "nil analysis", a: nil, thr: thr, want: false},
		{
			name: "transfer over threshold",
			a:    &Analysis{Type: TypeSOLTransfer, Transfer: &TransferInfo{Amount: 1.5}},
			thr:  thr, want: true,
		},
		{
			name: "transfer under threshold",
			a:    &Analysis{Type: TypeSOLTransfer, Transfer: &TransferInfo{Amount: 0.5}},
			thr:  thr, want: false,
		},
		{
			name: "swap unknown leg over threshold",
			a: &Analysis{Type: TypeDexSwap, Swap: &SwapInfo{
				FromToken: TokenInfo{Symbol: "UNKNOWN"}, ToToken: TokenInfo{Symbol: "UNKNOWN"},
				FromAmount: 2.0,
			}},
			thr: thr, want: true,
		},
		{
			name: "swap below threshold",
			a: &Analysis{Type: TypeDexSwap, Swap: &SwapInfo{
				FromToken: TokenInfo{Symbol: "UNKNOWN"}, ToToken: TokenInfo{Symbol: "UNKNOWN"},
				FromAmount: 0.1, ToAmount: 0.2,
			}},
			thr: thr, want: false,
		},
		{
			name: "burn follows policy",
			a:    &Analysis{Type: TypeTokenBurn},
			thr:  thr, want: true,
		},
		{
			name: "mint off by default",
			a:    &Analysis{Type: TypeTokenMint},
			thr:  thr, want: false,
		},
		{
			name: "program interaction off by default",
			a:    &Analysis{Type: TypeProgramInteraction},
			thr:  thr, want: false,
		},
		{
			name: "excluded token",
			a: &Analysis{Type: TypeSOLTransfer, Transfer: &TransferInfo{
				Amount: 5.0, Token: TokenInfo{Mint: "BadMint"},
			}},
			thr:  WalletThresholds{MinAmountSOL: 1.0, ExcludedTokens: map[string]struct{}{"BadMint": {}}},
			want: false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsImportant(tt.a, tt.thr, policy); got != tt.want {
				t.Fatalf("IsImportant = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaticPriceSource(t *testing.T) {
	t.Parallel()
	src := NewStaticPriceSource()
	if p, ok := src.PriceUSD("sol"); !ok || p != 20.50 {
		t.Fatalf("PriceUSD(sol) = %v, %v", p, ok)
	}
	if _, ok := src.PriceUSD("NOPE"); ok {
		t.Fatal("unknown symbol reported a price")
	}
	if _, ok := src.PriceUSD(""); ok {
		t.Fatal("empty symbol reported a price")
	}
}

func hasFactor(factors []string, want string) bool {
	for _, f := range factors {
		if f == want {
			return true
		}
	}
	return false
}
