package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustinyejun/monitor-bot/internal/config"
	"github.com/dustinyejun/monitor-bot/internal/metrics"
	"github.com/dustinyejun/monitor-bot/internal/rules"
	"github.com/dustinyejun/monitor-bot/internal/storage"
	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// SourceType is the entity/event source identifier for wallet monitoring.
const SourceType = "solana"

// interWalletDelay keeps the public RPC nodes from rate limiting us when many
// wallets are configured.
const interWalletDelay = time.Second

// Plugin polls the configured wallets for new transactions, classifies them
// and hands important ones to the rule engine.
type Plugin struct {
	cfg        config.SolanaConfig
	client     *Client
	classifier *Classifier
	store      storage.Store
	sink       rules.EventSink
	log        logx.Logger
	policy     ImportancePolicy
	interval   time.Duration
}

func NewPlugin(cfg config.SolanaConfig, store storage.Store, sink rules.EventSink, log logx.Logger) (*Plugin, error) {
	timeout, err := config.ParseDurationOrDefault("monitors.solana.request_timeout", cfg.RequestTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	interval, err := config.ParseDurationOrDefault("monitors.solana.check_interval", cfg.CheckInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(cfg.RPCEndpoints, timeout, log)
	if err != nil {
		return nil, err
	}

	policy := DefaultImportancePolicy()
	if cfg.Importance.Burn != nil {
		policy.Burn = *cfg.Importance.Burn
	}
	if cfg.Importance.Mint != nil {
		policy.Mint = *cfg.Importance.Mint
	}
	if cfg.Importance.ProgramInteraction != nil {
		policy.ProgramInteraction = *cfg.Importance.ProgramInteraction
	}

	return &Plugin{
		cfg:        cfg,
		client:     client,
		classifier: NewClassifier(NewStaticPriceSource(), log),
		store:      store,
		sink:       sink,
		log:        log,
		policy:     policy,
		interval:   interval,
	}, nil
}

func (p *Plugin) Name() string                 { return SourceType }
func (p *Plugin) CheckInterval() time.Duration { return p.interval }

// Initialize verifies at least one RPC node answers.
func (p *Plugin) Initialize(ctx context.Context) error {
	if len(p.cfg.Wallets) == 0 {
		return fmt.Errorf("no wallets configured")
	}
	if err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("rpc health check: %w", err)
	}
	return nil
}

func (p *Plugin) Cleanup(ctx context.Context) error { return nil }

// Check runs one poll cycle over all active wallet entities. A wallet that
// fails mid-cycle does not stop the others; the last error is returned so the
// runner records it.
func (p *Plugin) Check(ctx context.Context) error {
	entities, err := p.store.ListEntities(ctx, SourceType)
	if err != nil {
		return fmt.Errorf("list wallets: %w", err)
	}

	var lastErr error
	for i, ent := range entities {
		if !ent.Active {
			continue
		}
		if i > 0 {
			if !sleepCtx(ctx, interWalletDelay) {
				return ctx.Err()
			}
		}
		if err := p.checkWallet(ctx, ent); err != nil {
			lastErr = err
			p.log.Error("wallet check failed",
				logx.String("wallet", ent.Address),
				logx.Err(err),
			)
		}
	}
	metrics.PollCycles.WithLabelValues(SourceType).Inc()
	return lastErr
}

func (p *Plugin) checkWallet(ctx context.Context, ent storage.Entity) error {
	cursor, err := p.store.GetCursor(ctx, ent.ID)
	if err != nil {
		return fmt.Errorf("get cursor: %w", err)
	}

	limit := p.cfg.FetchLimit
	if limit <= 0 {
		limit = 50
	}
	sigs, err := p.client.GetSignatures(ctx, ent.Address, cursor, limit)
	if err != nil {
		return fmt.Errorf("fetch signatures: %w", err)
	}
	if len(sigs) == 0 {
		return nil
	}
	metrics.ItemsFetched.WithLabelValues(SourceType).Add(float64(len(sigs)))

	fresh := p.filterNew(ctx, sigs, cursor)

	thr := WalletThresholds{
		MinAmountSOL:   ent.MinAmountSOL,
		ExcludedTokens: toSet(ent.ExcludedTokens),
	}

	var events []rules.Event
	for _, sig := range fresh {
		ev, err := p.processSignature(ctx, ent, sig, thr)
		if err != nil {
			// One bad transaction must not block the rest of the page.
			p.log.Warn("skipping transaction",
				logx.String("signature", sig.Signature),
				logx.Err(err),
			)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if len(events) > 0 {
		if err := p.sink.Process(ctx, events); err != nil {
			p.log.Error("event hand-off failed", logx.Err(err))
		}
	}

	// Advance to the newest fetched signature even when nothing was important,
	// so a quiet cycle still makes progress.
	newest := sigs[0].Signature
	if newest != cursor {
		if err := p.store.SetCursor(ctx, ent.ID, newest); err != nil {
			return fmt.Errorf("set cursor: %w", err)
		}
	}
	return nil
}

// filterNew applies the three dedup layers in order: drop items from before
// today (keeping timestamp-less ones), cut at the previous cursor, then check
// the durable event record. The upstream can legitimately return overlapping
// pages, so no single layer suffices.
func (p *Plugin) filterNew(ctx context.Context, sigs []SignatureInfo, cursor string) []SignatureInfo {
	todayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var out []SignatureInfo
	for _, sig := range sigs {
		if t := sig.Time(); !t.IsZero() && t.Before(todayStart) {
			continue
		}
		if cursor != "" && sig.Signature == cursor {
			// Signatures are newest-first; everything from here on was
			// already seen in a prior cycle.
			break
		}
		seen, err := p.store.HasEvent(ctx, sig.Signature)
		if err != nil {
			p.log.Warn("event lookup failed; keeping item",
				logx.String("signature", sig.Signature), logx.Err(err))
		} else if seen {
			continue
		}
		out = append(out, sig)
	}
	return out
}

// processSignature classifies one transaction and records it. Returns a nil
// event when the transaction is not important for this wallet.
func (p *Plugin) processSignature(ctx context.Context, ent storage.Entity, sig SignatureInfo, thr WalletThresholds) (*rules.Event, error) {
	tx, err := p.client.GetTransaction(ctx, sig.Signature)
	if err != nil {
		return nil, fmt.Errorf("fetch transaction: %w", err)
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction not available on node")
	}

	analysis, err := p.classifier.Classify(tx, ent.Address)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}

	important := IsImportant(analysis, thr, p.policy)
	occurred := tx.Time()
	if occurred.IsZero() {
		occurred = sig.Time()
	}

	rec := storage.Event{
		ItemID:     sig.Signature,
		EntityID:   ent.ID,
		SourceType: SourceType,
		EventType:  analysis.Type,
		Important:  important,
		OccurredAt: occurred,
		AmountUSD:  analysis.TotalValueUSD,
	}
	if analysis.Transfer != nil {
		rec.TokenCA = analysis.Transfer.Token.Mint
		rec.AmountSOL = analysis.Transfer.Amount
	} else if analysis.Swap != nil {
		rec.TokenCA = analysis.Swap.ToToken.Mint
		rec.AmountSOL = analysis.Swap.FromAmount
	}
	data := p.eventData(ent, analysis, sig)
	if raw, err := json.Marshal(data); err == nil {
		rec.DataJSON = string(raw)
	}

	if err := p.store.RecordEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	metrics.EventsRecorded.WithLabelValues(SourceType, analysis.Type).Inc()

	if !important {
		return nil, nil
	}

	// Running totals for repeated buys of the same token by this wallet.
	if analysis.Type == TypeDexSwap && rec.TokenCA != "" && rec.TokenCA != "unknown" {
		if stats, err := p.store.TokenPurchaseStats(ctx, ent.ID, rec.TokenCA); err == nil && stats.Count > 0 {
			data["purchase_count"] = stats.Count
			data["purchase_total_sol"] = stats.TotalSOL
			data["purchase_total_usd"] = stats.TotalUSD
		}
	}

	return &rules.Event{
		SourceType: SourceType,
		ItemID:     sig.Signature,
		EntityID:   ent.ID,
		OccurredAt: occurred,
		Data:       data,
	}, nil
}

// eventData flattens an analysis into the fields rules and templates consume.
func (p *Plugin) eventData(ent storage.Entity, a *Analysis, sig SignatureInfo) map[string]any {
	data := map[string]any{
		"type":         a.Type,
		"wallet":       ent.Address,
		"wallet_alias": ent.Alias,
		"signature":    sig.Signature,
		"slot":         sig.Slot,
		"success":      a.Tx.Success(),
		"amount_usd":   a.TotalValueUSD,
		"gas_fee_sol":  a.GasFeeSOL,
		"gas_fee_usd":  a.GasFeeUSD,
		"risk_level":   a.RiskLevel,
		"risk_factors": a.RiskFactors,
	}
	if ent.Alias == "" {
		data["wallet_alias"] = shorten(ent.Address)
	}
	if t := a.Tx.Time(); !t.IsZero() {
		data["block_time"] = t.Format(time.RFC3339)
	}
	if a.DexPlatform != DexUnknown {
		data["dex_platform"] = a.DexPlatform
	}
	if a.Transfer != nil {
		data["amount"] = a.Transfer.Amount
		data["token_symbol"] = a.Transfer.Token.Symbol
		data["token_name"] = a.Transfer.Token.Name
		data["token_ca"] = a.Transfer.Token.Mint
		data["direction"] = a.Transfer.Direction
		data["counterpart"] = a.Transfer.Counterpart
		data["from_address"] = a.Transfer.FromAddress
		data["to_address"] = a.Transfer.ToAddress
	}
	if a.Swap != nil {
		data["amount"] = a.Swap.FromAmount
		data["token_symbol"] = a.Swap.FromToken.Symbol
		data["token_ca"] = a.Swap.ToToken.Mint
		data["swap_from_amount"] = a.Swap.FromAmount
		data["swap_to_amount"] = a.Swap.ToAmount
		data["swap_from_symbol"] = a.Swap.FromToken.Symbol
		data["swap_to_symbol"] = a.Swap.ToToken.Symbol
	}
	return data
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func shorten(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + ".." + address[len(address)-4:]
}
