package twitter

import (
	"regexp"
	"sort"
	"strings"
)

// Chains a contract address can belong to.
const (
	ChainEthereum = "ethereum"
	ChainBSC      = "bsc"
	ChainSolana   = "solana"
	ChainPolygon  = "polygon"
	ChainArbitrum = "arbitrum"
	ChainOptimism = "optimism"
)

// ContractAddress is one candidate address found in a post.
type ContractAddress struct {
	Address    string
	Chain      string
	Confidence float64
	Context    string
	Position   int
}

// Analysis is the result of scanning one post.
type Analysis struct {
	Addresses []ContractAddress
	HasCA     bool
	RiskScore float64
	Keywords  []string
}

var (
	evmAddrRe = regexp.MustCompile(`\b0x[a-fA-F0-9]{40}\b`)
	solAddrRe = regexp.MustCompile(`\b[1-9A-HJ-NP-Za-km-z]{32,44}\b`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// Token-shill vocabulary grouped by category.
var cryptoKeywords = map[string][]string{
	"launch":    {"launch", "launching"},
	"gem":       {"gem", "diamond", "alpha"},
	"moon":      {"moon", "to the moon", "🚀", "rocket"},
	"buy":       {"buy", "buying", "bought", "ape"},
	"sell":      {"sell", "selling", "sold"},
	"pump":      {"pump", "pumping"},
	"dump":      {"dump", "dumping"},
	"degen":     {"degen", "yolo"},
	"airdrop":   {"airdrop", "drop"},
	"new_token": {"new token", "new coin", "fresh"},
}

var riskKeywords = map[string][]string{
	"high_risk":   {"scam", "rug", "honeypot"},
	"medium_risk": {"quick", "fast", "urgent", "fomo"},
	"speculation": {"100x", "1000x", "moonshot"},
}

// Strings the base58 grammar matches that are never addresses.
var addressFalsePositives = []string{
	"http", "https", "twitter", "telegram", "discord",
	"youtube", "github", "medium", "instagram",
}

const (
	contextRadius     = 50
	minConfidence     = 0.3
	highConfidence    = 0.7
	baseConfidence    = 0.5
	caKeywordBonus    = 0.3
	chainKeywordBonus = 0.2
	dexKeywordBonus   = 0.1
	datePenalty       = 0.2
)

// Analyzer scans post text for contract addresses and scores them.
type Analyzer struct{}

func NewAnalyzer() *Analyzer { return &Analyzer{} }

// Analyze extracts candidate addresses, scores confidence from surrounding
// context and computes an overall risk score for the post.
func (a *Analyzer) Analyze(text string) Analysis {
	clean := spaceRe.ReplaceAllString(strings.TrimSpace(text), " ")

	var found []ContractAddress
	for _, loc := range evmAddrRe.FindAllStringIndex(clean, -1) {
		addr := strings.ToLower(clean[loc[0]:loc[1]])
		ctxStr := contextAround(clean, loc[0], loc[1])
		chain := evmChainFromContext(ctxStr)
		conf := addressConfidence(ctxStr, chain)
		if conf > minConfidence {
			found = append(found, ContractAddress{
				Address: addr, Chain: chain, Confidence: conf,
				Context: ctxStr, Position: loc[0],
			})
		}
	}
	for _, loc := range solAddrRe.FindAllStringIndex(clean, -1) {
		addr := clean[loc[0]:loc[1]]
		if !likelySolanaAddress(addr) {
			continue
		}
		ctxStr := contextAround(clean, loc[0], loc[1])
		conf := addressConfidence(ctxStr, ChainSolana)
		if conf > minConfidence {
			found = append(found, ContractAddress{
				Address: addr, Chain: ChainSolana, Confidence: conf,
				Context: ctxStr, Position: loc[0],
			})
		}
	}

	addresses := dedupBest(found)
	keywords := findKeywords(clean)

	return Analysis{
		Addresses: addresses,
		HasCA:     len(addresses) > 0,
		RiskScore: riskScore(clean, addresses),
		Keywords:  keywords,
	}
}

// AddressStrings returns just the address values, stable by text position.
func (r Analysis) AddressStrings() []string {
	out := make([]string, len(r.Addresses))
	for i, a := range r.Addresses {
		out[i] = a.Address
	}
	return out
}

// MaxConfidence is the best score among found addresses.
func (r Analysis) MaxConfidence() float64 {
	best := 0.0
	for _, a := range r.Addresses {
		if a.Confidence > best {
			best = a.Confidence
		}
	}
	return best
}

// HighConfidence filters addresses at or above the given threshold.
func (r Analysis) HighConfidence(min float64) []ContractAddress {
	if min <= 0 {
		min = highConfidence
	}
	var out []ContractAddress
	for _, a := range r.Addresses {
		if a.Confidence >= min {
			out = append(out, a)
		}
	}
	return out
}

func contextAround(text string, start, end int) string {
	lo := start - contextRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + contextRadius
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}

func evmChainFromContext(ctxStr string) string {
	lower := strings.ToLower(ctxStr)
	switch {
	case containsAny(lower, "bsc", "binance", "bnb", "pancake"):
		return ChainBSC
	case containsAny(lower, "polygon", "matic", "quickswap"):
		return ChainPolygon
	case containsAny(lower, "arbitrum", "camelot"):
		return ChainArbitrum
	case containsAny(lower, "optimism", "velodrome"):
		return ChainOptimism
	default:
		return ChainEthereum
	}
}

func likelySolanaAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	hasDigit, hasAlpha := false, false
	for _, r := range addr {
		if r >= '0' && r <= '9' {
			hasDigit = true
		} else {
			hasAlpha = true
		}
	}
	// Pure digits or pure letters are words and numbers, not keys.
	if !hasDigit || !hasAlpha {
		return false
	}
	lower := strings.ToLower(addr)
	for _, fp := range addressFalsePositives {
		if strings.Contains(lower, fp) {
			return false
		}
	}
	return true
}

var chainContextKeywords = map[string][]string{
	ChainEthereum: {"eth", "ethereum", "uniswap"},
	ChainBSC:      {"bsc", "bnb", "pancake"},
	ChainSolana:   {"sol", "solana", "jupiter", "raydium"},
	ChainPolygon:  {"polygon", "matic"},
	ChainArbitrum: {"arbitrum", "arb"},
	ChainOptimism: {"optimism", "op"},
}

func addressConfidence(ctxStr, chain string) float64 {
	lower := strings.ToLower(ctxStr)
	conf := baseConfidence

	if containsAny(lower, "ca:", "ca ", "contract", "address", "token") {
		conf += caKeywordBonus
	}
	if containsAny(lower, chainContextKeywords[chain]...) {
		conf += chainKeywordBonus
	}
	if containsAny(lower, "dex", "swap", "trade", "buy", "sell", "pool") {
		conf += dexKeywordBonus
	}
	// Date lookalikes suggest the match is prose, not a key.
	if containsAny(lower, "2024", "2025", "2026", "january", "february", "march") {
		conf -= datePenalty
	}

	if conf > 1.0 {
		conf = 1.0
	}
	if conf < 0.0 {
		conf = 0.0
	}
	return conf
}

// dedupBest keeps one entry per address, preferring the highest confidence,
// then restores text order.
func dedupBest(addrs []ContractAddress) []ContractAddress {
	best := map[string]ContractAddress{}
	for _, a := range addrs {
		if cur, ok := best[a.Address]; !ok || a.Confidence > cur.Confidence {
			best[a.Address] = a
		}
	}
	out := make([]ContractAddress, 0, len(best))
	for _, a := range best {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func findKeywords(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for category, words := range cryptoKeywords {
		if containsAny(lower, words...) {
			found = append(found, category)
		}
	}
	sort.Strings(found)
	return found
}

func riskScore(text string, addrs []ContractAddress) float64 {
	lower := strings.ToLower(text)
	score := 0.0

	if containsAny(lower, riskKeywords["high_risk"]...) {
		score += 0.4
	}
	if containsAny(lower, riskKeywords["medium_risk"]...) {
		score += 0.2
	}
	if containsAny(lower, riskKeywords["speculation"]...) {
		score += 0.1
	}
	if len(addrs) > 1 {
		score += 0.1
	}
	for _, a := range addrs {
		if a.Confidence < baseConfidence {
			score += 0.1
		}
	}
	for _, combo := range [][]string{
		{"pump", "dump"},
		{"quick", "money"},
		{"easy", "profit"},
	} {
		all := true
		for _, w := range combo {
			if !strings.Contains(lower, w) {
				all = false
				break
			}
		}
		if all {
			score += 0.15
		}
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
