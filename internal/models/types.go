package models

import "github.com/shopspring/decimal"

// Webhook kinds delivered by the provider.
const (
	KindActivateWebhookURL = "ActivateWebhookURL"
	KindDirectDeposit      = "DirectDeposit"
	KindApiDeposit         = "ApiDeposit"
)

// Deposit record statuses reported by the provider.
const (
	StatusSuccess    = "Success"
	StatusProcessing = "Processing"
	StatusFailed     = "Failed"
)

// WebhookEnvelope is the raw webhook body. It is untrusted until the
// signature over the raw bytes verifies, and even then it only tells us
// which record to fetch; money fields always come from the provider API.
type WebhookEnvelope struct {
	Type string         `json:"type"`
	Msg  WebhookMessage `json:"msg"`
}

type WebhookMessage struct {
	RecordID         string `json:"recordId"`
	ReferenceID      string `json:"referenceId"`
	OrderID          string `json:"orderId"`
	CoinID           int64  `json:"coinId"`
	CoinSymbol       string `json:"coinSymbol"`
	Status           string `json:"status"`
	IsFlaggedAsRisky bool   `json:"isFlaggedAsRisky"`
}

// DepositRecord is the authoritative transaction state fetched from the
// provider by recordId. Amounts and prices are decimal strings on the wire.
type DepositRecord struct {
	RecordID         string `json:"recordId"`
	CoinID           int64  `json:"coinId"`
	CoinSymbol       string `json:"coinSymbol"`
	Chain            string `json:"chain"`
	Contract         string `json:"contract"`
	CoinUSDPrice     string `json:"coinUSDPrice"`
	FromAddress      string `json:"fromAddress,omitempty"`
	ToAddress        string `json:"toAddress"`
	ToMemo           string `json:"toMemo"`
	Amount           string `json:"amount"`
	ServiceFee       string `json:"serviceFee"`
	TxID             string `json:"txId"`
	Status           string `json:"status"`
	ArrivedAt        int64  `json:"arrivedAt"`
	IsFlaggedAsRisky bool   `json:"isFlaggedAsRisky"`
	ReferenceID      string `json:"referenceId,omitempty"`
	OrderID          string `json:"orderId,omitempty"`
}

// DepositAddress is a provider-issued permanent address for one
// (referenceId, chain) pair.
type DepositAddress struct {
	Address string `json:"address"`
	Memo    string `json:"memo"`
}

// User is the internal account a deposit credits.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// Balance is one per-currency balance row.
type Balance struct {
	UserID   int64           `json:"user_id"`
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// DepositLogRecord is the append-only record of a credited deposit.
// RecordID is unique across all rows; that uniqueness is the sole
// idempotency guard against duplicate webhook delivery.
type DepositLogRecord struct {
	ID        int64           `json:"id"`
	CreatedAt int64           `json:"created_at"`
	UserID    int64           `json:"user_id"`
	Login     string          `json:"login"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	RecordID  string          `json:"record_id"`
	Status    string          `json:"status"`
}
