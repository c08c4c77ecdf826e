package risk

import (
	"PerpVamm/internal/fixed"
)

// Settings is the system-wide protocol configuration shared by every
// exchange: fee splits, overnight-fee schedule, the exchange → insurance
// fund registry and the LP transfer restriction list.
type Settings struct {
	owner string

	insuranceFundFeeRatio    fixed.Decimal
	lpWithdrawFeeRatio       fixed.Decimal
	overnightFeeRatio        fixed.Decimal
	overnightFeePeriod       int64 // seconds
	overnightFeeLpShareRatio fixed.Decimal
	fundingFeeLpShareRatio   fixed.Decimal

	insuranceFunds map[string]string // exchange -> insurance fund id

	blockTransfer     bool
	transferWhitelist map[string]bool
}

// SettingsConfig seeds a Settings instance.
type SettingsConfig struct {
	InsuranceFundFeeRatio    fixed.Decimal
	LpWithdrawFeeRatio       fixed.Decimal
	OvernightFeeRatio        fixed.Decimal
	OvernightFeePeriod       int64
	OvernightFeeLpShareRatio fixed.Decimal
	FundingFeeLpShareRatio   fixed.Decimal
	BlockTransfer            bool
}

func NewSettings(owner string, cfg SettingsConfig) *Settings {
	return &Settings{
		owner:                    owner,
		insuranceFundFeeRatio:    cfg.InsuranceFundFeeRatio,
		lpWithdrawFeeRatio:       cfg.LpWithdrawFeeRatio,
		overnightFeeRatio:        cfg.OvernightFeeRatio,
		overnightFeePeriod:       cfg.OvernightFeePeriod,
		overnightFeeLpShareRatio: cfg.OvernightFeeLpShareRatio,
		fundingFeeLpShareRatio:   cfg.FundingFeeLpShareRatio,
		insuranceFunds:           make(map[string]string),
		blockTransfer:            cfg.BlockTransfer,
		transferWhitelist:        make(map[string]bool),
	}
}

func (s *Settings) Owner() string { return s.owner }

func (s *Settings) InsuranceFundFeeRatio() fixed.Decimal    { return s.insuranceFundFeeRatio }
func (s *Settings) LpWithdrawFeeRatio() fixed.Decimal       { return s.lpWithdrawFeeRatio }
func (s *Settings) OvernightFeeRatio() fixed.Decimal        { return s.overnightFeeRatio }
func (s *Settings) OvernightFeePeriod() int64               { return s.overnightFeePeriod }
func (s *Settings) OvernightFeeLpShareRatio() fixed.Decimal { return s.overnightFeeLpShareRatio }
func (s *Settings) FundingFeeLpShareRatio() fixed.Decimal   { return s.fundingFeeLpShareRatio }

func (s *Settings) gate(caller string) error {
	if caller != s.owner {
		return ErrNotOwner
	}
	return nil
}

// InsuranceFund looks up the insurance fund registered for an exchange.
func (s *Settings) InsuranceFund(exchange string) (string, bool) {
	id, ok := s.insuranceFunds[exchange]
	return id, ok
}

func (s *Settings) SetInsuranceFund(caller, exchange, fund string) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.insuranceFunds[exchange] = fund
	return nil
}

func (s *Settings) SetInsuranceFundFeeRatio(caller string, v fixed.Decimal) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.insuranceFundFeeRatio = v
	return nil
}

func (s *Settings) SetLpWithdrawFeeRatio(caller string, v fixed.Decimal) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.lpWithdrawFeeRatio = v
	return nil
}

func (s *Settings) SetOvernightFeeRatio(caller string, v fixed.Decimal) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.overnightFeeRatio = v
	return nil
}

func (s *Settings) SetOvernightFeePeriod(caller string, seconds int64) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.overnightFeePeriod = seconds
	return nil
}

func (s *Settings) SetOvernightFeeLpShareRatio(caller string, v fixed.Decimal) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.overnightFeeLpShareRatio = v
	return nil
}

func (s *Settings) SetFundingFeeLpShareRatio(caller string, v fixed.Decimal) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.fundingFeeLpShareRatio = v
	return nil
}

func (s *Settings) SetBlockTransfer(caller string, block bool) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	s.blockTransfer = block
	return nil
}

func (s *Settings) SetTransferWhitelisted(caller, addr string, whitelisted bool) error {
	if err := s.gate(caller); err != nil {
		return err
	}
	if whitelisted {
		s.transferWhitelist[addr] = true
	} else {
		delete(s.transferWhitelist, addr)
	}
	return nil
}

// CanTransfer reports whether an LP token transfer between the two addresses
// is allowed under the current restriction policy. Either endpoint being
// whitelisted is enough.
func (s *Settings) CanTransfer(from, to string) bool {
	if !s.blockTransfer {
		return true
	}
	return s.transferWhitelist[from] || s.transferWhitelist[to]
}
