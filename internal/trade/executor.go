package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/blumarkets/portfolio-engine/internal/allocation"
	"github.com/blumarkets/portfolio-engine/internal/model"
	"github.com/blumarkets/portfolio-engine/internal/policy"
	"github.com/blumarkets/portfolio-engine/internal/store"
)

// QuantityScale is the number of decimal places kept on asset quantities.
const QuantityScale int32 = 8

// dust is the largest quantity overshoot a sell is clamped through.
var dust = decimal.New(1, -QuantityScale)

// Fill is the priced outcome of one trade.
type Fill struct {
	Trade     model.Trade     `json:"trade"`
	PriceIrr  decimal.Decimal `json:"price_irr"`
	Quantity  decimal.Decimal `json:"quantity"`
	GrossIrr  decimal.Decimal `json:"gross_irr"`
	SpreadIrr decimal.Decimal `json:"spread_irr"`
	NetIrr    decimal.Decimal `json:"net_irr"`
}

// LayerDelta is the value the fill moves into (positive) or out of
// (negative) its layer.
func (f Fill) LayerDelta() decimal.Decimal {
	if f.Trade.Side == model.SideSell {
		return f.GrossIrr.Neg()
	}
	return f.NetIrr
}

// Executor applies trades to a portfolio. A BUY debits the gross amount and
// credits quantity for the post-spread amount; a SELL removes quantity and
// credits the post-spread proceeds. Frozen quantity is never sold.
type Executor struct {
	policy policy.Policy
	layers allocation.LayerResolver
	now    func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(p policy.Policy, layers allocation.LayerResolver) *Executor {
	return &Executor{policy: p, layers: layers, now: time.Now}
}

// Quote prices t against p without mutating it.
func (e *Executor) Quote(p *model.Portfolio, t model.Trade, price decimal.Decimal) (Fill, error) {
	if t.Layer == "" {
		l, err := e.layers.Layer(t.AssetID)
		if err != nil {
			return Fill{}, err
		}
		t.Layer = l
	}
	spread := e.policy.Spread(t.Layer)
	if price.IsNegative() {
		return Fill{}, fmt.Errorf("%w: negative price for %s", model.ErrStalePrice, t.AssetID)
	}

	switch t.Side {
	case model.SideBuy:
		return e.quoteBuy(p, t, price, spread)
	case model.SideSell:
		return e.quoteSell(p, t, price, spread)
	default:
		return Fill{}, fmt.Errorf("%w: side must be BUY or SELL, got %q", model.ErrValidation, t.Side)
	}
}

func (e *Executor) quoteBuy(p *model.Portfolio, t model.Trade, price, spread decimal.Decimal) (Fill, error) {
	if !t.AmountIrr.IsPositive() {
		return Fill{}, fmt.Errorf("%w: buy amount must be positive", model.ErrValidation)
	}
	if !price.IsPositive() {
		return Fill{}, fmt.Errorf("%w: no usable price for %s", model.ErrStalePrice, t.AssetID)
	}
	if p.CashIrr.LessThan(t.AmountIrr) {
		return Fill{}, fmt.Errorf("%w: cash %s below %s", model.ErrInsufficientFunds, p.CashIrr, t.AmountIrr)
	}

	cost := t.AmountIrr.Mul(spread)
	net := t.AmountIrr.Sub(cost)
	qty := net.Div(price).Truncate(QuantityScale)
	if !qty.IsPositive() {
		return Fill{}, fmt.Errorf("%w: amount buys no quantity of %s", model.ErrValidation, t.AssetID)
	}
	return Fill{Trade: t, PriceIrr: price, Quantity: qty, GrossIrr: t.AmountIrr, SpreadIrr: cost, NetIrr: net}, nil
}

func (e *Executor) quoteSell(p *model.Portfolio, t model.Trade, price, spread decimal.Decimal) (Fill, error) {
	h := p.Holding(t.AssetID)
	if h == nil {
		return Fill{}, fmt.Errorf("%w: no holding of %s", model.ErrInsufficientFunds, t.AssetID)
	}

	qty := t.Quantity
	gross := t.AmountIrr
	switch {
	case qty.IsPositive():
		gross = qty.Mul(price)
	case t.AmountIrr.IsPositive():
		if !price.IsPositive() {
			return Fill{}, fmt.Errorf("%w: no usable price for %s", model.ErrStalePrice, t.AssetID)
		}
		qty = t.AmountIrr.Div(price).Round(QuantityScale)
	default:
		return Fill{}, fmt.Errorf("%w: sell needs a positive amount or quantity", model.ErrValidation)
	}

	avail := h.Available()
	if qty.GreaterThan(avail) {
		switch {
		case qty.Sub(avail).LessThanOrEqual(dust):
			qty = avail
			gross = qty.Mul(price)
		case qty.LessThanOrEqual(h.Quantity):
			return Fill{}, fmt.Errorf("%w: %s of %s is frozen as loan collateral", model.ErrConflict, h.FrozenQuantity, t.AssetID)
		default:
			return Fill{}, fmt.Errorf("%w: holding %s of %s, selling %s", model.ErrInsufficientFunds, h.Quantity, t.AssetID, qty)
		}
	}
	if !qty.IsPositive() {
		return Fill{}, fmt.Errorf("%w: nothing sellable in %s", model.ErrValidation, t.AssetID)
	}

	cost := gross.Mul(spread)
	return Fill{Trade: t, PriceIrr: price, Quantity: qty, GrossIrr: gross, SpreadIrr: cost, NetIrr: gross.Sub(cost)}, nil
}

// Apply quotes t and applies the fill to p.
func (e *Executor) Apply(p *model.Portfolio, t model.Trade, price decimal.Decimal) (Fill, error) {
	f, err := e.Quote(p, t, price)
	if err != nil {
		return Fill{}, err
	}

	h := model.Holding{AssetID: t.AssetID, Quantity: decimal.Zero, FrozenQuantity: decimal.Zero}
	if cur := p.Holding(t.AssetID); cur != nil {
		h = *cur
	}
	if f.Trade.Side == model.SideBuy {
		p.CashIrr = p.CashIrr.Sub(f.GrossIrr)
		h.Quantity = h.Quantity.Add(f.Quantity)
	} else {
		p.CashIrr = p.CashIrr.Add(f.NetIrr)
		h.Quantity = h.Quantity.Sub(f.Quantity)
	}
	p.SetHolding(h)
	return f, nil
}

// Execute applies t to p and appends its ledger entry in tx. The caller
// owns the row lock on p and saves it before commit.
func (e *Executor) Execute(
	ctx context.Context,
	tx store.Tx,
	p *model.Portfolio,
	t model.Trade,
	price decimal.Decimal,
	entryType model.LedgerEntryType,
	boundary model.Boundary,
) (*model.LedgerEntry, Fill, error) {
	before := p.Snapshot()
	f, err := e.Apply(p, t, price)
	if err != nil {
		return nil, Fill{}, err
	}

	if entryType == "" {
		entryType = model.EntryTradeBuy
		if t.Side == model.SideSell {
			entryType = model.EntryTradeSell
		}
	}
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    p.UserID,
		Type:      entryType,
		AssetID:   t.AssetID,
		AmountIrr: f.GrossIrr,
		Quantity:  f.Quantity,
		Boundary:  boundary,
		Before:    before,
		After:     p.Snapshot(),
		Timestamp: e.now().UTC(),
	}
	if err := tx.AppendLedger(ctx, entry); err != nil {
		return nil, Fill{}, err
	}
	return entry, f, nil
}
