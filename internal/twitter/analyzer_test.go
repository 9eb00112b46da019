package twitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	solAddr = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	evmAddr = "0x1234567890abcdef1234567890abcdef12345678"
)

func TestAnalyzeSolanaAddress(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer()

	res := a.Analyze("New gem on solana! CA: " + solAddr)
	require.True(t, res.HasCA)
	require.Len(t, res.Addresses, 1)

	got := res.Addresses[0]
	assert.Equal(t, solAddr, got.Address)
	assert.Equal(t, ChainSolana, got.Chain)
	// base 0.5 + ca keyword 0.3 + chain keyword 0.2, capped at 1.0
	assert.InDelta(t, 1.0, got.Confidence, 0.001)
	assert.Contains(t, res.Keywords, "gem")
}

func TestAnalyzeEVMChainFromContext(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer()

	tests := []struct {
		name  string
		text  string
		chain string
	}{
		{name: "default ethereum", text: "contract " + evmAddr, chain: ChainEthereum},
		{name: "bsc", text: "new on pancake swap " + evmAddr, chain: ChainBSC},
		{name: "polygon", text: "matic token " + evmAddr, chain: ChainPolygon},
		{name: "arbitrum", text: "arbitrum contract " + evmAddr, chain: ChainArbitrum},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			res := a.Analyze(tt.text)
			require.Len(t, res.Addresses, 1)
			assert.Equal(t, tt.chain, res.Addresses[0].Chain)
			assert.Equal(t, evmAddr, res.Addresses[0].Address)
		})
	}
}

func TestAnalyzeBareAddressKeepsBaseConfidence(t *testing.T) {
	t.Parallel()
	res := NewAnalyzer().Analyze("random words " + solAddr + " more words")
	require.Len(t, res.Addresses, 1)
	assert.InDelta(t, 0.5, res.Addresses[0].Confidence, 0.001)
}

func TestAnalyzeDropsFalsePositives(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer()

	tests := []struct {
		name string
		text string
	}{
		{name: "link lookalike", text: "see httpsTwitterComSomething123456789abc for more"},
		{name: "pure letters", text: "supercalifragidocioudexpialidocious"},
		{name: "date context demotes evm match", text: "deployed on march 2025 " + evmAddr},
		{name: "no address", text: "just another post about coffee"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			res := a.Analyze(tt.text)
			assert.False(t, res.HasCA, "addresses: %+v", res.Addresses)
		})
	}
}

func TestAnalyzeDedupKeepsBestScore(t *testing.T) {
	t.Parallel()
	// Same address twice, the second mention with stronger context.
	res := NewAnalyzer().Analyze(solAddr + " ... CA on solana: " + solAddr)
	require.Len(t, res.Addresses, 1)
	assert.Greater(t, res.Addresses[0].Confidence, 0.5)
}

func TestRiskScore(t *testing.T) {
	t.Parallel()
	a := NewAnalyzer()

	calm := a.Analyze("interesting project " + solAddr)
	risky := a.Analyze("rug alert! pump and dump scheme " + solAddr)

	assert.Greater(t, risky.RiskScore, calm.RiskScore)
	// high_risk 0.4 + pump/dump combo 0.15
	assert.InDelta(t, 0.55, risky.RiskScore, 0.001)
}

func TestAnalysisHelpers(t *testing.T) {
	t.Parallel()
	res := NewAnalyzer().Analyze("CA: " + solAddr + " on solana and also " + evmAddr)
	require.Len(t, res.Addresses, 2)

	assert.Equal(t, []string{solAddr, evmAddr}, res.AddressStrings())
	assert.InDelta(t, 1.0, res.MaxConfidence(), 0.001)
	assert.NotEmpty(t, res.HighConfidence(0))
}
