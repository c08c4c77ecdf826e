package ingestion

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"PerpVamm/internal/clearing"
	"PerpVamm/internal/fixed"
	"PerpVamm/internal/vamm"
)

// AdminIngestService injects commands directly into the dispatcher,
// bypassing NATS. It backs the admin HTTP surface: manual deposits and
// withdrawals, and operator-driven settlement ticks. Not for
// high-throughput ingestion (use NATS for that).
type AdminIngestService struct {
	cmdChan chan<- Command
}

func NewAdminIngestService(cmdChan chan<- Command) *AdminIngestService {
	return &AdminIngestService{cmdChan: cmdChan}
}

func (s *AdminIngestService) send(ctx context.Context, c Command) error {
	select {
	case s.cmdChan <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func adminCmd(caller string, block vamm.Block) clearing.Cmd {
	return clearing.Cmd{
		Key:    uuid.NewString(),
		Caller: caller,
		Block:  block,
	}
}

// InjectDeposit credits a trader's free balance.
func (s *AdminIngestService) InjectDeposit(
	ctx context.Context,
	trader, asset string,
	amount fixed.Decimal,
	block vamm.Block,
) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.send(ctx, &BalanceOp{
		Base:        adminCmd(trader, block),
		Asset:       asset,
		Amount:      amount,
		commandType: CmdDeposit,
	})
}

// InjectWithdrawal debits a trader's free balance.
func (s *AdminIngestService) InjectWithdrawal(
	ctx context.Context,
	trader, asset string,
	amount fixed.Decimal,
	block vamm.Block,
) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return s.send(ctx, &BalanceOp{
		Base:        adminCmd(trader, block),
		Asset:       asset,
		Amount:      amount,
		commandType: CmdWithdraw,
	})
}

// InjectPayFunding triggers a funding settlement tick for the exchange.
func (s *AdminIngestService) InjectPayFunding(
	ctx context.Context,
	caller, exchangeID string,
	block vamm.Block,
) error {
	return s.send(ctx, &ExchangeOp{
		Base:        adminCmd(caller, block),
		ExchangeID:  exchangeID,
		commandType: CmdPayFunding,
	})
}

// InjectPayOvernightFee triggers an overnight fee collection tick.
func (s *AdminIngestService) InjectPayOvernightFee(
	ctx context.Context,
	caller, exchangeID string,
	block vamm.Block,
) error {
	return s.send(ctx, &ExchangeOp{
		Base:        adminCmd(caller, block),
		ExchangeID:  exchangeID,
		commandType: CmdPayOvernightFee,
	})
}

// InjectShutdown shuts an exchange down at its settlement price.
func (s *AdminIngestService) InjectShutdown(
	ctx context.Context,
	caller, exchangeID string,
	block vamm.Block,
) error {
	return s.send(ctx, &ExchangeOp{
		Base:        adminCmd(caller, block),
		ExchangeID:  exchangeID,
		commandType: CmdShutdownExchange,
	})
}
