package query

import (
	"context"
	"database/sql"

	"PerpVamm/internal/ledger"
)

// BalanceResponse is a trader's collateral state for one asset. Free margin
// held inside open positions is not included; it lives in the exchange vault
// accounts and is reported per position.
type BalanceResponse struct {
	Trader            string `json:"trader"`
	Asset             string `json:"asset"`
	Collateral        string `json:"collateral"`
	PendingWithdrawal string `json:"pending_withdrawal"`
	AsOfSequence      int64  `json:"as_of_sequence"`
}

// MarketBalancesResponse is the system-side book for one exchange.
type MarketBalancesResponse struct {
	Exchange     string `json:"exchange"`
	Asset        string `json:"asset"`
	Vault        string `json:"vault"`
	Fees         string `json:"fees"`
	LpPool       string `json:"lp_pool"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// GetBalance returns a trader's projected balances for one asset.
func (qs *QueryService) GetBalance(ctx context.Context, trader, asset string) (*BalanceResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	collateral, err := qs.getProjectedBalance(ctx, ledger.TraderAccount(trader, asset).AccountPath())
	if err != nil {
		return nil, err
	}

	pending, err := qs.getProjectedBalance(ctx, ledger.PendingWithdrawalAccount(trader, asset).AccountPath())
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Trader:            trader,
		Asset:             asset,
		Collateral:        collateral,
		PendingWithdrawal: pending,
		AsOfSequence:      asOfSeq,
	}, nil
}

// GetMarketBalances returns an exchange's system accounts for one asset.
func (qs *QueryService) GetMarketBalances(ctx context.Context, exchange, asset string) (*MarketBalancesResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, err
	}

	vaultBal, err := qs.getProjectedBalance(ctx, ledger.VaultAccount(exchange, asset).AccountPath())
	if err != nil {
		return nil, err
	}
	feeBal, err := qs.getProjectedBalance(ctx, ledger.FeeAccount(exchange, asset).AccountPath())
	if err != nil {
		return nil, err
	}
	lpBal, err := qs.getProjectedBalance(ctx, ledger.LpPoolAccount(exchange, asset).AccountPath())
	if err != nil {
		return nil, err
	}

	return &MarketBalancesResponse{
		Exchange:     exchange,
		Asset:        asset,
		Vault:        vaultBal,
		Fees:         feeBal,
		LpPool:       lpBal,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetInsuranceBalance returns an insurance fund's balance for one asset.
func (qs *QueryService) GetInsuranceBalance(ctx context.Context, fund, asset string) (string, int64, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return "", 0, err
	}
	bal, err := qs.getProjectedBalance(ctx, ledger.InsuranceAccount(fund, asset).AccountPath())
	if err != nil {
		return "", 0, err
	}
	return bal, asOfSeq, nil
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (string, error) {
	var balance string
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return "0", nil
	}
	return balance, err
}
