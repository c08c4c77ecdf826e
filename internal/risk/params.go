// Package risk holds per-exchange risk parameters, system-wide protocol
// settings and the LP tranche tokens. All mutating entry points are gated on
// an owner address; the engine processes commands on a single goroutine so
// no locking is done here.
package risk

import (
	"errors"

	"PerpVamm/internal/fixed"
)

// ErrNotOwner is returned when a gated setter is invoked by anyone other
// than the configured owner.
var ErrNotOwner = errors.New("caller is not the owner")

// Params is the per-exchange risk parameter set.
type Params struct {
	owner string

	spreadRatio             fixed.Decimal
	initMarginRatio         fixed.Decimal
	maintenanceMarginRatio  fixed.Decimal
	liquidationFeeRatio     fixed.Decimal
	maxLiquidationFee       fixed.Decimal
	maxHoldingBaseAsset     fixed.Decimal // 0 = unlimited
	openInterestNotionalCap fixed.Decimal // 0 = unlimited

	tranches [2]*TrancheToken
}

// ParamsConfig seeds a Params set.
type ParamsConfig struct {
	SpreadRatio             fixed.Decimal
	InitMarginRatio         fixed.Decimal
	MaintenanceMarginRatio  fixed.Decimal
	LiquidationFeeRatio     fixed.Decimal
	MaxLiquidationFee       fixed.Decimal
	MaxHoldingBaseAsset     fixed.Decimal
	OpenInterestNotionalCap fixed.Decimal
}

func NewParams(owner string, cfg ParamsConfig) *Params {
	return &Params{
		owner:                   owner,
		spreadRatio:             cfg.SpreadRatio,
		initMarginRatio:         cfg.InitMarginRatio,
		maintenanceMarginRatio:  cfg.MaintenanceMarginRatio,
		liquidationFeeRatio:     cfg.LiquidationFeeRatio,
		maxLiquidationFee:       cfg.MaxLiquidationFee,
		maxHoldingBaseAsset:     cfg.MaxHoldingBaseAsset,
		openInterestNotionalCap: cfg.OpenInterestNotionalCap,
	}
}

func (p *Params) Owner() string { return p.owner }

// InitTranches creates the two LP share tokens for the exchange that owns
// this parameter set. Idempotent after the first call.
func (p *Params) InitTranches(exchange string, settings *Settings) {
	if p.tranches[TrancheHigh] != nil {
		return
	}
	p.tranches[TrancheHigh] = NewTrancheToken(exchange, TrancheHigh, settings)
	p.tranches[TrancheLow] = NewTrancheToken(exchange, TrancheLow, settings)
}

// TrancheToken returns the share token for one LP tier, or nil before
// InitTranches.
func (p *Params) TrancheToken(t Tranche) *TrancheToken {
	if t != TrancheHigh && t != TrancheLow {
		return nil
	}
	return p.tranches[t]
}

func (p *Params) SpreadRatio() fixed.Decimal             { return p.spreadRatio }
func (p *Params) InitMarginRatio() fixed.Decimal         { return p.initMarginRatio }
func (p *Params) MaintenanceMarginRatio() fixed.Decimal  { return p.maintenanceMarginRatio }
func (p *Params) LiquidationFeeRatio() fixed.Decimal     { return p.liquidationFeeRatio }
func (p *Params) MaxLiquidationFee() fixed.Decimal       { return p.maxLiquidationFee }
func (p *Params) MaxHoldingBaseAsset() fixed.Decimal     { return p.maxHoldingBaseAsset }
func (p *Params) OpenInterestNotionalCap() fixed.Decimal { return p.openInterestNotionalCap }

func (p *Params) gate(caller string) error {
	if caller != p.owner {
		return ErrNotOwner
	}
	return nil
}

func (p *Params) SetSpreadRatio(caller string, v fixed.Decimal) error {
	if err := p.gate(caller); err != nil {
		return err
	}
	p.spreadRatio = v
	return nil
}

func (p *Params) SetInitMarginRatio(caller string, v fixed.Decimal) error {
	if err := p.gate(caller); err != nil {
		return err
	}
	p.initMarginRatio = v
	return nil
}

func (p *Params) SetMaintenanceMarginRatio(caller string, v fixed.Decimal) error {
	if err := p.gate(caller); err != nil {
		return err
	}
	p.maintenanceMarginRatio = v
	return nil
}

func (p *Params) SetLiquidationFeeRatio(caller string, v fixed.Decimal) error {
	if err := p.gate(caller); err != nil {
		return err
	}
	p.liquidationFeeRatio = v
	return nil
}

func (p *Params) SetMaxLiquidationFee(caller string, v fixed.Decimal) error {
	if err := p.gate(caller); err != nil {
		return err
	}
	p.maxLiquidationFee = v
	return nil
}

func (p *Params) SetMaxHoldingBaseAsset(caller string, v fixed.Decimal) error {
	if err := p.gate(caller); err != nil {
		return err
	}
	p.maxHoldingBaseAsset = v
	return nil
}

func (p *Params) SetOpenInterestNotionalCap(caller string, v fixed.Decimal) error {
	if err := p.gate(caller); err != nil {
		return err
	}
	p.openInterestNotionalCap = v
	return nil
}
