package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/voltmark/energy-claim-ledger/internal/balance"
	"github.com/voltmark/energy-claim-ledger/internal/domain"
	"github.com/voltmark/energy-claim-ledger/internal/events"
	"github.com/voltmark/energy-claim-ledger/internal/store"
)

const (
	mktAuthority = "mkt-admin"
	escrowAcct   = "market-escrow"
	feeAcct      = "market-fees"
)

func newTestMarket(t *testing.T, feeBps uint16) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	svc := NewService(mem, events.Nop{}, zap.NewNop())

	if _, err := svc.Initialize(ctx, mktAuthority, feeBps, escrowAcct, feeAcct); err != nil {
		t.Fatalf("market init failed: %v", err)
	}

	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertUser(ctx, &domain.User{
			Account: "seller", Role: domain.RoleProducer, Status: domain.UserActive,
		}); err != nil {
			return err
		}
		return tx.InsertUser(ctx, &domain.User{
			Account: "buyer", Role: domain.RoleConsumer, Status: domain.UserActive,
		})
	})
	if err != nil {
		t.Fatalf("fixture setup failed: %v", err)
	}
	return svc, mem
}

func TestCreateSell_EscrowsCredits(t *testing.T) {
	svc, mem := newTestMarket(t, 25)
	ctx := context.Background()
	mem.SeedCredits("seller", 1000)

	order, err := svc.CreateSell(ctx, "seller", 600, 50, "")
	if err != nil {
		t.Fatalf("CreateSell failed: %v", err)
	}
	if order.Status != domain.OrderActive {
		t.Errorf("Expected active order, got %s", order.Status)
	}

	sellerBal, _ := mem.CreditBalance(ctx, "seller")
	escrowBal, _ := mem.CreditBalance(ctx, escrowAcct)
	if sellerBal != 400 || escrowBal != 600 {
		t.Errorf("Escrow wrong: seller=%d escrow=%d", sellerBal, escrowBal)
	}
}

func TestCreateSell_InsufficientCredits(t *testing.T) {
	svc, _ := newTestMarket(t, 25)
	ctx := context.Background()

	_, err := svc.CreateSell(ctx, "seller", 600, 50, "")
	if !errors.Is(err, balance.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
}

func TestCreateBuy_EscrowsPayments(t *testing.T) {
	svc, mem := newTestMarket(t, 25)
	ctx := context.Background()
	mem.SeedPayments("buyer", 100_000)

	_, err := svc.CreateBuy(ctx, "buyer", 100, 500)
	if err != nil {
		t.Fatalf("CreateBuy failed: %v", err)
	}

	buyerBal, _ := mem.PaymentBalance(ctx, "buyer")
	escrowBal, _ := mem.PaymentBalance(ctx, escrowAcct)
	if buyerBal != 50_000 || escrowBal != 50_000 {
		t.Errorf("Escrow wrong: buyer=%d escrow=%d", buyerBal, escrowBal)
	}
}

func TestMatch_SettlesAtSellerAsk(t *testing.T) {
	svc, mem := newTestMarket(t, 100)
	ctx := context.Background()
	mem.SeedCredits("seller", 1000)
	mem.SeedPayments("buyer", 4_000_000_000)

	sell, err := svc.CreateSell(ctx, "seller", 1000, 3_000_000, "")
	if err != nil {
		t.Fatal(err)
	}
	buy, err := svc.CreateBuy(ctx, "buyer", 1000, 4_000_000)
	if err != nil {
		t.Fatal(err)
	}

	trade, err := svc.Match(ctx, buy.ID, sell.ID, 1000)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	// Clearing at the ask: 1000 x 3,000,000 = 3,000,000,000.
	// Fee at 100 bps = 30,000,000.
	if trade.TotalValue != 3_000_000_000 {
		t.Errorf("Expected total 3000000000, got %d", trade.TotalValue)
	}
	if trade.Fee != 30_000_000 {
		t.Errorf("Expected fee 30000000, got %d", trade.Fee)
	}
	if trade.UnitPrice != 3_000_000 {
		t.Errorf("Expected clearing price 3000000, got %d", trade.UnitPrice)
	}

	sellerPay, _ := mem.PaymentBalance(ctx, "seller")
	if sellerPay != 2_970_000_000 {
		t.Errorf("Expected seller proceeds 2970000000, got %d", sellerPay)
	}
	feePay, _ := mem.PaymentBalance(ctx, feeAcct)
	if feePay != 30_000_000 {
		t.Errorf("Expected fee collector 30000000, got %d", feePay)
	}
	// Buyer escrowed at 4,000,000 and pays 3,000,000: the excess returns.
	buyerPay, _ := mem.PaymentBalance(ctx, "buyer")
	if buyerPay != 1_000_000_000 {
		t.Errorf("Expected buyer refund to leave 1000000000, got %d", buyerPay)
	}
	buyerCredits, _ := mem.CreditBalance(ctx, "buyer")
	if buyerCredits != 1000 {
		t.Errorf("Expected buyer credits 1000, got %d", buyerCredits)
	}
	escrowPay, _ := mem.PaymentBalance(ctx, escrowAcct)
	escrowCredits, _ := mem.CreditBalance(ctx, escrowAcct)
	if escrowPay != 0 || escrowCredits != 0 {
		t.Errorf("Escrow must be empty after full fill: pay=%d credits=%d", escrowPay, escrowCredits)
	}

	gotBuy, _ := svc.Order(ctx, buy.ID)
	gotSell, _ := svc.Order(ctx, sell.ID)
	if gotBuy.Status != domain.OrderFilled || gotSell.Status != domain.OrderFilled {
		t.Errorf("Expected both filled: buy=%s sell=%s", gotBuy.Status, gotSell.Status)
	}

	m, _ := svc.Market(ctx)
	if m.TotalTrades != 1 || m.TotalVolume != 1000 || m.LastClearingPrice != 3_000_000 {
		t.Errorf("Market stats wrong: trades=%d volume=%d price=%d",
			m.TotalTrades, m.TotalVolume, m.LastClearingPrice)
	}
}

func TestMatch_PartialFill(t *testing.T) {
	svc, mem := newTestMarket(t, 0)
	ctx := context.Background()
	mem.SeedCredits("seller", 1000)
	mem.SeedPayments("buyer", 100_000)

	sell, _ := svc.CreateSell(ctx, "seller", 1000, 10, "")
	buy, _ := svc.CreateBuy(ctx, "buyer", 400, 10)

	if _, err := svc.Match(ctx, buy.ID, sell.ID, 400); err != nil {
		t.Fatalf("Match failed: %v", err)
	}

	gotSell, _ := svc.Order(ctx, sell.ID)
	if gotSell.Status != domain.OrderPartiallyFilled || gotSell.Remaining() != 600 {
		t.Errorf("Expected partial fill with 600 left, got %s/%d", gotSell.Status, gotSell.Remaining())
	}
	gotBuy, _ := svc.Order(ctx, buy.ID)
	if gotBuy.Status != domain.OrderFilled {
		t.Errorf("Expected buy filled, got %s", gotBuy.Status)
	}
}

func TestMatch_Rejections(t *testing.T) {
	svc, mem := newTestMarket(t, 25)
	ctx := context.Background()
	mem.SeedCredits("seller", 1000)
	mem.SeedPayments("buyer", 1_000_000)
	mem.SeedPayments("seller", 1_000_000)

	sell, _ := svc.CreateSell(ctx, "seller", 100, 50, "")
	buy, _ := svc.CreateBuy(ctx, "buyer", 100, 60)

	t.Run("price mismatch", func(t *testing.T) {
		cheap, err := svc.CreateBuy(ctx, "buyer", 100, 40)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Match(ctx, cheap.ID, sell.ID, 100); !errors.Is(err, domain.ErrPriceMismatch) {
			t.Errorf("Expected ErrPriceMismatch, got %v", err)
		}
	})

	t.Run("self trade", func(t *testing.T) {
		own, err := svc.CreateBuy(ctx, "seller", 100, 60)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Match(ctx, own.ID, sell.ID, 100); !errors.Is(err, domain.ErrSelfTrade) {
			t.Errorf("Expected ErrSelfTrade, got %v", err)
		}
	})

	t.Run("exceeds remaining", func(t *testing.T) {
		if _, err := svc.Match(ctx, buy.ID, sell.ID, 500); !errors.Is(err, domain.ErrMatchExceedsRemaining) {
			t.Errorf("Expected ErrMatchExceedsRemaining, got %v", err)
		}
	})

	t.Run("zero quantity", func(t *testing.T) {
		if _, err := svc.Match(ctx, buy.ID, sell.ID, 0); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Errorf("Expected ErrInvalidAmount, got %v", err)
		}
	})

	t.Run("paused market", func(t *testing.T) {
		if err := svc.UpdateParams(ctx, mktAuthority, 25, true); err != nil {
			t.Fatal(err)
		}
		if _, err := svc.Match(ctx, buy.ID, sell.ID, 100); !errors.Is(err, domain.ErrMarketPaused) {
			t.Errorf("Expected ErrMarketPaused, got %v", err)
		}
		if err := svc.UpdateParams(ctx, mktAuthority, 25, false); err != nil {
			t.Fatal(err)
		}
	})
}

func TestCancel_RefundsRemainingEscrow(t *testing.T) {
	svc, mem := newTestMarket(t, 0)
	ctx := context.Background()
	mem.SeedCredits("seller", 1000)
	mem.SeedPayments("buyer", 100_000)

	sell, _ := svc.CreateSell(ctx, "seller", 1000, 10, "")
	buy, _ := svc.CreateBuy(ctx, "buyer", 400, 10)

	// Partially fill, then cancel the remainder.
	if _, err := svc.Match(ctx, buy.ID, sell.ID, 400); err != nil {
		t.Fatal(err)
	}
	if err := svc.Cancel(ctx, "seller", sell.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	sellerCredits, _ := mem.CreditBalance(ctx, "seller")
	if sellerCredits != 600 {
		t.Errorf("Expected 600 credits refunded, got %d", sellerCredits)
	}
	got, _ := svc.Order(ctx, sell.ID)
	if got.Status != domain.OrderCancelled {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}

	// A closed order cannot be cancelled again.
	if err := svc.Cancel(ctx, "seller", sell.ID); !errors.Is(err, domain.ErrOrderNotOpen) {
		t.Errorf("Expected ErrOrderNotOpen, got %v", err)
	}
}

func TestCancel_NotOwner(t *testing.T) {
	svc, mem := newTestMarket(t, 0)
	ctx := context.Background()
	mem.SeedCredits("seller", 100)

	sell, _ := svc.CreateSell(ctx, "seller", 100, 10, "")
	if err := svc.Cancel(ctx, "mallory", sell.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("Expected ErrUnauthorized, got %v", err)
	}
}

func TestExpireOrders(t *testing.T) {
	svc, mem := newTestMarket(t, 0)
	ctx := context.Background()
	mem.SeedCredits("seller", 500)

	sell, _ := svc.CreateSell(ctx, "seller", 500, 10, "")

	// Age the order past its TTL.
	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Order(ctx, sell.ID)
		if err != nil {
			return err
		}
		o.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		return tx.PutOrder(ctx, o)
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := svc.ExpireOrders(ctx)
	if err != nil {
		t.Fatalf("ExpireOrders failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired order, got %d", n)
	}

	sellerCredits, _ := mem.CreditBalance(ctx, "seller")
	if sellerCredits != 500 {
		t.Errorf("Expected full refund of 500, got %d", sellerCredits)
	}
	got, _ := svc.Order(ctx, sell.ID)
	if got.Status != domain.OrderExpired {
		t.Errorf("Expected expired, got %s", got.Status)
	}

	m, _ := svc.Market(ctx)
	if m.ActiveOrders != 0 {
		t.Errorf("Expected no active orders, got %d", m.ActiveOrders)
	}
}

func TestCancel_ExpiredOrderRejected(t *testing.T) {
	svc, mem := newTestMarket(t, 0)
	ctx := context.Background()
	mem.SeedCredits("seller", 500)

	sell, _ := svc.CreateSell(ctx, "seller", 500, 10, "")

	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Order(ctx, sell.ID)
		if err != nil {
			return err
		}
		o.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		return tx.PutOrder(ctx, o)
	})
	if err != nil {
		t.Fatal(err)
	}

	// Past its TTL the order is the sweep's to close, not the owner's.
	if err := svc.Cancel(ctx, "seller", sell.ID); !errors.Is(err, domain.ErrOrderExpired) {
		t.Fatalf("Expected ErrOrderExpired, got %v", err)
	}
	got, _ := svc.Order(ctx, sell.ID)
	if got.Status == domain.OrderCancelled {
		t.Error("Expired order must not end up cancelled")
	}

	if _, err := svc.ExpireOrders(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = svc.Order(ctx, sell.ID)
	if got.Status != domain.OrderExpired {
		t.Errorf("Expected expired after sweep, got %s", got.Status)
	}
	sellerCredits, _ := mem.CreditBalance(ctx, "seller")
	if sellerCredits != 500 {
		t.Errorf("Expected full refund via sweep, got %d", sellerCredits)
	}
}

func TestMatch_ExpiredOrderRejected(t *testing.T) {
	svc, mem := newTestMarket(t, 0)
	ctx := context.Background()
	mem.SeedCredits("seller", 100)
	mem.SeedPayments("buyer", 10_000)

	sell, _ := svc.CreateSell(ctx, "seller", 100, 10, "")
	buy, _ := svc.CreateBuy(ctx, "buyer", 100, 10)

	err := mem.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.Order(ctx, sell.ID)
		if err != nil {
			return err
		}
		o.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		return tx.PutOrder(ctx, o)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Match(ctx, buy.ID, sell.ID, 100); !errors.Is(err, domain.ErrOrderExpired) {
		t.Fatalf("Expected ErrOrderExpired, got %v", err)
	}
}

func TestInitialize_Twice(t *testing.T) {
	svc, _ := newTestMarket(t, 25)
	ctx := context.Background()

	_, err := svc.Initialize(ctx, mktAuthority, 25, escrowAcct, feeAcct)
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestInitialize_BadFee(t *testing.T) {
	mem := store.NewMemory()
	svc := NewService(mem, events.Nop{}, zap.NewNop())

	_, err := svc.Initialize(context.Background(), mktAuthority, 10_001, escrowAcct, feeAcct)
	if !errors.Is(err, domain.ErrInvalidFeeBps) {
		t.Fatalf("Expected ErrInvalidFeeBps, got %v", err)
	}
}
