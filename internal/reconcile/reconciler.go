// Package reconcile turns verified deposit webhooks into exactly-once
// ledger credits. The webhook body is only ever used to pick which
// provider record to fetch; every money-moving decision is made on the
// authoritative record returned by the provider API.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/emvios/depositgate/internal/ccpayment"
	"github.com/emvios/depositgate/internal/models"
	"github.com/emvios/depositgate/internal/notify"
	"github.com/emvios/depositgate/internal/store"
)

// Outcome is the terminal classification of one webhook delivery. Every
// outcome is acknowledged to the provider with success; only a returned
// error makes the delivery retryable.
type Outcome string

const (
	OutcomeActivated      Outcome = "activated"
	OutcomeUnknownKind    Outcome = "unknown_kind"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeRiskHeld       Outcome = "risk_held"
	OutcomeUnresolvedUser Outcome = "unresolved_user"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeCredited       Outcome = "credited"
)

// ProviderAPI is the slice of the payment provider client the reconciler
// needs: authoritative record lookup.
type ProviderAPI interface {
	GetDepositRecord(ctx context.Context, recordID string) (*models.DepositRecord, error)
}

// Ledger is the persistence contract. FindDepositLog and CreditDeposit
// report absence and duplication through the store sentinel errors.
type Ledger interface {
	FindUser(ctx context.Context, id int64) (*models.User, error)
	FindPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	FindDepositLog(ctx context.Context, recordID string) (*models.DepositLogRecord, error)
	CreditDeposit(ctx context.Context, rec *models.DepositLogRecord) error
}

// ErrOrderUnresolved means the order-to-user mapping could not answer.
var ErrOrderUnresolved = errors.New("order resolution not available")

// OrderResolver maps an ApiDeposit orderId to an internal user id. The
// mapping lives outside this service.
type OrderResolver interface {
	ResolveOrder(ctx context.Context, orderID string) (int64, error)
}

// UnimplementedOrderResolver reports every order as unresolved. Installed
// in production until the order service exposes a lookup; ApiDeposit
// deliveries are alerted and acknowledged without crediting.
type UnimplementedOrderResolver struct{}

func (UnimplementedOrderResolver) ResolveOrder(context.Context, string) (int64, error) {
	return 0, ErrOrderUnresolved
}

type Reconciler struct {
	provider ProviderAPI
	ledger   Ledger
	orders   OrderResolver
	notifier notify.Notifier
	log      *logrus.Logger
}

func New(provider ProviderAPI, ledger Ledger, orders OrderResolver, notifier notify.Notifier, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		provider: provider,
		ledger:   ledger,
		orders:   orders,
		notifier: notifier,
		log:      log,
	}
}

// Handle processes one signature-verified webhook envelope. A non-nil
// error means the delivery failed and the provider should retry it;
// every Outcome maps to a success acknowledgment.
func (r *Reconciler) Handle(ctx context.Context, env *models.WebhookEnvelope) (Outcome, error) {
	switch env.Type {
	case models.KindActivateWebhookURL:
		r.log.Info("webhook activation probe received")
		r.notifier.Notify(ctx, "webhook activated successfully")
		return OutcomeActivated, nil

	case models.KindDirectDeposit, models.KindApiDeposit:
		return r.reconcileDeposit(ctx, env)

	default:
		r.log.WithField("type", env.Type).Warn("unknown webhook type")
		r.notifier.Notify(ctx, fmt.Sprintf("webhook: unknown type %q (record %s)", env.Type, env.Msg.RecordID))
		return OutcomeUnknownKind, nil
	}
}

func (r *Reconciler) reconcileDeposit(ctx context.Context, env *models.WebhookEnvelope) (Outcome, error) {
	recordID := env.Msg.RecordID
	log := r.log.WithFields(logrus.Fields{
		"type":      env.Type,
		"record_id": recordID,
	})
	log.Info("processing deposit webhook")

	// The webhook told us a record exists; the provider tells us what it
	// actually says. Errors here propagate so the delivery is retried.
	rec, err := r.provider.GetDepositRecord(ctx, recordID)
	if err != nil {
		return "", fmt.Errorf("fetch deposit record %s: %w", recordID, err)
	}

	if rec.Status != models.StatusSuccess {
		// Not terminal yet. The provider delivers a follow-up webhook
		// when the status changes.
		log.WithField("status", rec.Status).Info("deposit not completed, deferring")
		return OutcomeDeferred, nil
	}

	if rec.IsFlaggedAsRisky {
		log.Warn("risky transaction, holding for manual review")
		r.notifier.Notify(ctx, fmt.Sprintf(
			"risky transaction!\nRecord ID: %s\nReference ID: %s\nOrder ID: %s\nAmount: %s %s\nNOT credited automatically",
			recordID, env.Msg.ReferenceID, env.Msg.OrderID, rec.Amount, rec.CoinSymbol))
		return OutcomeRiskHeld, nil
	}

	// Duplicate delivery short-circuits before any user or balance work.
	if _, err := r.ledger.FindDepositLog(ctx, recordID); err == nil {
		log.Warn("duplicate deposit webhook, already credited")
		return OutcomeDuplicate, nil
	} else if !errors.Is(err, store.ErrDepositLogNotFound) {
		return "", fmt.Errorf("deposit log lookup: %w", err)
	}

	userID, outcome, err := r.resolveUser(ctx, env)
	if err != nil {
		return "", err
	}
	if outcome != "" {
		return outcome, nil
	}

	user, err := r.ledger.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			log.WithField("user_id", userID).Error("user not found")
			r.notifier.Notify(ctx, fmt.Sprintf("webhook: user not found: %d (record %s)", userID, recordID))
			return OutcomeUnresolvedUser, nil
		}
		return "", fmt.Errorf("user lookup: %w", err)
	}

	// The credited amount is the provider's native figure verbatim.
	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q on record %s: %w", rec.Amount, recordID, err)
	}

	amountUSD := amount.Mul(r.usdPrice(ctx, rec))

	entry := &models.DepositLogRecord{
		CreatedAt: time.Now().Unix(),
		UserID:    user.ID,
		Login:     user.Login,
		Currency:  rec.CoinSymbol,
		Amount:    amount,
		RecordID:  recordID,
		Status:    "completed",
	}

	if err := r.ledger.CreditDeposit(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateDeposit) {
			// Lost the race against a concurrent delivery of the same
			// record. The other one credited; this one just acks.
			log.Warn("concurrent duplicate delivery, already credited")
			return OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("credit deposit %s: %w", recordID, err)
	}

	log.WithFields(logrus.Fields{
		"user_id":  user.ID,
		"login":    user.Login,
		"amount":   amount.String(),
		"currency": rec.CoinSymbol,
	}).Info("deposit credited")

	r.notifier.Notify(ctx, fmt.Sprintf(
		"new deposit!\nType: %s\nUser: %s (ID: %d)\nAmount: %s %s\nUSD: $%s\nChain: %s\nTX: %s\nRecord ID: %s",
		env.Type, user.Login, user.ID, amount.String(), rec.CoinSymbol,
		amountUSD.StringFixed(2), rec.Chain, rec.TxID, recordID))

	return OutcomeCredited, nil
}

// resolveUser maps the delivery to an internal user id. A non-empty
// outcome means resolution terminally failed and the delivery should be
// acknowledged without credit.
func (r *Reconciler) resolveUser(ctx context.Context, env *models.WebhookEnvelope) (int64, Outcome, error) {
	switch env.Type {
	case models.KindDirectDeposit:
		// The referenceId is the user id we supplied when provisioning
		// the permanent deposit address.
		userID, err := strconv.ParseInt(env.Msg.ReferenceID, 10, 64)
		if err != nil || userID <= 0 {
			r.log.WithField("reference_id", env.Msg.ReferenceID).Error("invalid referenceId")
			r.notifier.Notify(ctx, fmt.Sprintf("webhook: invalid referenceId: %q (record %s)", env.Msg.ReferenceID, env.Msg.RecordID))
			return 0, OutcomeUnresolvedUser, nil
		}
		return userID, "", nil

	case models.KindApiDeposit:
		userID, err := r.orders.ResolveOrder(ctx, env.Msg.OrderID)
		if err != nil {
			if errors.Is(err, ErrOrderUnresolved) {
				r.log.WithField("order_id", env.Msg.OrderID).Info("api deposit received, order resolution unavailable")
				r.notifier.Notify(ctx, fmt.Sprintf(
					"api deposit not processed\nOrder ID: %s\nRecord ID: %s\nNote: order resolution not implemented yet",
					env.Msg.OrderID, env.Msg.RecordID))
				return 0, OutcomeUnresolvedUser, nil
			}
			return 0, "", fmt.Errorf("resolve order %s: %w", env.Msg.OrderID, err)
		}
		return userID, "", nil

	default:
		return 0, "", fmt.Errorf("unexpected envelope type %q", env.Type)
	}
}

// usdPrice prefers the internal price table, falling back to the quote
// on the record itself. The USD figure is informational only and never
// affects the credited amount.
func (r *Reconciler) usdPrice(ctx context.Context, rec *models.DepositRecord) decimal.Decimal {
	price, err := r.ledger.FindPrice(ctx, rec.CoinSymbol)
	if err == nil {
		return price
	}
	if !errors.Is(err, store.ErrPriceNotFound) {
		r.log.WithError(err).Warn("price lookup failed")
	}
	quoted, perr := decimal.NewFromString(rec.CoinUSDPrice)
	if perr != nil {
		r.log.WithField("coin_usd_price", rec.CoinUSDPrice).Warn("record carries no usable USD price")
		return decimal.Zero
	}
	return quoted
}

// compile-time wiring checks
var (
	_ ProviderAPI = (*ccpayment.Client)(nil)
	_ Ledger      = (*store.Store)(nil)
)
