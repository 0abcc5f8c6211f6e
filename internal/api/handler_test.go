package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emvios/depositgate/internal/models"
	"github.com/emvios/depositgate/internal/reconcile"
	"github.com/emvios/depositgate/internal/sign"
	"github.com/emvios/depositgate/internal/store"
)

const (
	testAppID  = "app-12345"
	testSecret = "super-secret"
)

type stubReconciler struct {
	outcome reconcile.Outcome
	err     error
	gotEnv  *models.WebhookEnvelope
}

func (s *stubReconciler) Handle(ctx context.Context, env *models.WebhookEnvelope) (reconcile.Outcome, error) {
	s.gotEnv = env
	return s.outcome, s.err
}

type stubProvider struct {
	addr *models.DepositAddress
	err  error
}

func (s *stubProvider) GetPermanentDepositAddress(ctx context.Context, referenceID, chain string) (*models.DepositAddress, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.addr, nil
}

type stubUsers struct {
	users map[int64]*models.User
}

func (s *stubUsers) FindUser(ctx context.Context, id int64) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

type recordingNotifier struct {
	msgs []string
}

func (r *recordingNotifier) Notify(ctx context.Context, text string) bool {
	r.msgs = append(r.msgs, text)
	return true
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type fixture struct {
	handler    *Handler
	reconciler *stubReconciler
	provider   *stubProvider
	notifier   *recordingNotifier
	signer     *sign.Signer
}

func newFixture(outcome reconcile.Outcome, err error) *fixture {
	signer := sign.New(testAppID, testSecret)
	rec := &stubReconciler{outcome: outcome, err: err}
	provider := &stubProvider{addr: &models.DepositAddress{Address: "0xdeadbeef"}}
	users := &stubUsers{users: map[int64]*models.User{42: {ID: 42, Login: "alice"}}}
	notifier := &recordingNotifier{}
	h := NewHandler(signer, rec, provider, users, notifier, testLogger())
	return &fixture{handler: h, reconciler: rec, provider: provider, notifier: notifier, signer: signer}
}

func signedRequest(signer *sign.Signer, body string) *http.Request {
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/ccpayment", strings.NewReader(body))
	req.Header.Set("Appid", testAppID)
	req.Header.Set("Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("Sign", signer.Sign(ts, []byte(body)))
	return req
}

func TestWebhookMissingHeaders(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	cases := map[string]func(*http.Request){
		"no appid":     func(r *http.Request) { r.Header.Del("Appid") },
		"no timestamp": func(r *http.Request) { r.Header.Del("Timestamp") },
		"no sign":      func(r *http.Request) { r.Header.Del("Sign") },
	}

	for name, strip := range cases {
		t.Run(name, func(t *testing.T) {
			req := signedRequest(f.signer, `{}`)
			strip(req)
			w := httptest.NewRecorder()
			f.handler.HandleWebhook(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestWebhookInvalidAppID(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	req := signedRequest(f.signer, `{}`)
	req.Header.Set("Appid", "someone-else")
	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid AppId")
	assert.Nil(t, f.reconciler.gotEnv)
}

func TestWebhookStaleTimestamp(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	body := `{"type":"DirectDeposit","msg":{"recordId":"R1"}}`
	// Correctly signed, but ten minutes old.
	ts := time.Now().Add(-10 * time.Minute).Unix()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/ccpayment", strings.NewReader(body))
	req.Header.Set("Appid", testAppID)
	req.Header.Set("Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("Sign", f.signer.Sign(ts, []byte(body)))

	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "timestamp")
	assert.Nil(t, f.reconciler.gotEnv, "stale replays are rejected before signature verification")
}

func TestWebhookFutureTimestampRejected(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	body := `{}`
	ts := time.Now().Add(10 * time.Minute).Unix()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/ccpayment", strings.NewReader(body))
	req.Header.Set("Appid", testAppID)
	req.Header.Set("Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("Sign", f.signer.Sign(ts, []byte(body)))

	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookBadSignature(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	req := signedRequest(f.signer, `{"type":"DirectDeposit","msg":{"recordId":"R1"}}`)
	req.Header.Set("Sign", strings.Repeat("ab", 32))
	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid signature")
	require.Len(t, f.notifier.msgs, 1, "bad signatures raise a security alert")
	assert.Contains(t, f.notifier.msgs[0], "signature")
	assert.Nil(t, f.reconciler.gotEnv)
}

func TestWebhookTamperedBody(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	req := signedRequest(f.signer, `{"type":"DirectDeposit","msg":{"recordId":"R1"}}`)
	req.Body = io.NopCloser(strings.NewReader(`{"type":"DirectDeposit","msg":{"recordId":"R2"}}`))
	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookActivationAck(t *testing.T) {
	f := newFixture(reconcile.OutcomeActivated, nil)

	req := signedRequest(f.signer, `{"type":"ActivateWebhookURL","msg":{}}`)
	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"msg":"success"}`, w.Body.String())
}

func TestWebhookCreditedAck(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	req := signedRequest(f.signer, `{"type":"DirectDeposit","msg":{"recordId":"R1","referenceId":"42"}}`)
	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Success", w.Body.String())

	require.NotNil(t, f.reconciler.gotEnv)
	assert.Equal(t, "DirectDeposit", f.reconciler.gotEnv.Type)
	assert.Equal(t, "R1", f.reconciler.gotEnv.Msg.RecordID)
}

func TestWebhookUnknownKindStill200(t *testing.T) {
	f := newFixture(reconcile.OutcomeUnknownKind, nil)

	req := signedRequest(f.signer, `{"type":"SomethingNew","msg":{}}`)
	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Success", w.Body.String())
}

func TestWebhookProcessingErrorIs500(t *testing.T) {
	f := newFixture("", errors.New("provider timeout"))

	req := signedRequest(f.signer, `{"type":"DirectDeposit","msg":{"recordId":"R1"}}`)
	w := httptest.NewRecorder()
	f.handler.HandleWebhook(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotEmpty(t, f.notifier.msgs)
	assert.Contains(t, f.notifier.msgs[0], "provider timeout")
}

func TestWebhookStatusProbe(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/webhooks/ccpayment", nil)
	w := httptest.NewRecorder()
	f.handler.WebhookStatus(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func addressRequest(t *testing.T, h *Handler, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/users/{id}/deposit-address", h.CreateDepositAddress).Methods("POST")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/"+userID+"/deposit-address", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateDepositAddress(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	w := addressRequest(t, f.handler, "42", `{"chain":"POLYGON"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var addr models.DepositAddress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &addr))
	assert.Equal(t, "0xdeadbeef", addr.Address)
}

func TestCreateDepositAddressValidation(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)

	assert.Equal(t, http.StatusBadRequest, addressRequest(t, f.handler, "abc", `{"chain":"POLYGON"}`).Code)
	assert.Equal(t, http.StatusBadRequest, addressRequest(t, f.handler, "42", `{}`).Code)
	assert.Equal(t, http.StatusNotFound, addressRequest(t, f.handler, "99", `{"chain":"POLYGON"}`).Code)
}

func TestCreateDepositAddressProviderDown(t *testing.T) {
	f := newFixture(reconcile.OutcomeCredited, nil)
	f.provider.err = errors.New("dial tcp: connection refused")

	w := addressRequest(t, f.handler, "42", `{"chain":"POLYGON"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}
