package nuwahttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nuwa "github.com/nuwa-protocol/nuwa-kit/go"
	"github.com/nuwa-protocol/nuwa-kit/go/crypto"
	"github.com/nuwa-protocol/nuwa-kit/go/payment"
	"github.com/nuwa-protocol/nuwa-kit/go/storage/memory"
	"github.com/nuwa-protocol/nuwa-kit/go/types"
	"github.com/nuwa-protocol/nuwa-kit/go/vdr"
)

type payerIdentity struct {
	did  types.DID
	mb   string
	priv []byte
}

func newPayerIdentity(t *testing.T) *payerIdentity {
	t.Helper()
	pub, priv, err := crypto.GenerateKeyPair(crypto.KeyTypeEd25519)
	require.NoError(t, err)
	mb, err := crypto.EncodePublicKeyMultibase(crypto.KeyTypeEd25519, pub)
	require.NoError(t, err)
	return &payerIdentity{did: types.DID("did:key:" + mb), mb: mb, priv: priv}
}

func (p *payerIdentity) Sign(_ context.Context, payload []byte, _ string) ([]byte, error) {
	return crypto.Sign(payload, p.priv, crypto.KeyTypeEd25519)
}
func (p *payerIdentity) Address() string { return "" }
func (p *payerIdentity) DID() types.DID  { return p.did }

type httpFixture struct {
	kit    *nuwa.Kit
	payer  *payerIdentity
	client *nuwa.PayerClient
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	payer := newPayerIdentity(t)

	store := memory.New()
	var channelID types.ChannelID
	channelID[0] = 0x11
	require.NoError(t, store.Channels.SetChannel(context.Background(), &types.Channel{
		ChannelID: channelID,
		PayerDID:  payer.did,
		PayeeDID:  "did:rooch:rooch1svc",
		AssetID:   payment.DefaultAssetID,
		ChainID:   4,
		Status:    types.ChannelStatusOpen,
	}))

	kit := nuwa.NewKit("web", "did:rooch:rooch1svc",
		vdr.NewRegistry(vdr.WithDriver(vdr.NewKeyDriver())),
		store,
		payment.FixedRateProvider{payment.DefaultAssetID: big.NewInt(100)})
	require.NoError(t, kit.RegisterPaid("web.quote", payment.PerRequest(1000),
		func(context.Context, *nuwa.Request) (any, payment.Units, error) {
			return map[string]any{"quote": "42"}, 0, nil
		}))
	require.NoError(t, kit.RegisterPaid("web.unstable", payment.PerRequest(1000),
		func(context.Context, *nuwa.Request) (any, payment.Units, error) {
			return nil, 0, errors.New("quote feed offline")
		}))
	require.NoError(t, kit.Start(context.Background()))

	client, err := nuwa.NewPayerClient(payer, payer.did.Fragment(payer.mb), channelID, 4, 0)
	require.NoError(t, err)
	return &httpFixture{kit: kit, payer: payer, client: client}
}

func ginRouter(t *testing.T, f *httpFixture) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/rpc", GinHandler(f.kit))
	return router
}

func post(t *testing.T, handler http.Handler, operation string, paymentHeader, callerDID string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]any{"operation": operation})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if paymentHeader != "" {
		req.Header.Set(nuwa.HeaderPayment, paymentHeader)
	}
	if callerDID != "" {
		req.Header.Set(HeaderCallerDID, callerDID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestGinPaidRoundTrip(t *testing.T) {
	f := newHTTPFixture(t)
	router := ginRouter(t, f)

	header, err := f.client.NextHeader(context.Background(), "tx-1")
	require.NoError(t, err)
	encoded, err := nuwa.EncodePaymentHeader(header)
	require.NoError(t, err)

	rec := post(t, router, "web.quote", encoded, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Result map[string]string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "42", body.Result["quote"])

	env, err := nuwa.DecodeEnvelope(rec.Header().Get(nuwa.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", env.ClientTxRef)
	require.NoError(t, f.client.AbsorbEnvelope(env))
	require.NotNil(t, f.client.Pending())
	assert.Equal(t, uint64(1), f.client.Pending().Nonce)
}

func TestGinPaymentRequired(t *testing.T) {
	f := newHTTPFixture(t)
	rec := post(t, ginRouter(t, f), "web.quote", "", "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	env, err := nuwa.DecodeEnvelope(rec.Header().Get(nuwa.HeaderPaymentResponse))
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrCodePaymentRequired, env.Error.Code)
}

func TestGinMalformedPaymentHeader(t *testing.T) {
	f := newHTTPFixture(t)
	rec := post(t, ginRouter(t, f), "web.quote", "!!not-base64!!", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGinUnknownOperation(t *testing.T) {
	f := newHTTPFixture(t)
	rec := post(t, ginRouter(t, f), "web.missing", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGinHandlerFailureCarriesEnvelope(t *testing.T) {
	f := newHTTPFixture(t)
	router := ginRouter(t, f)

	header, err := f.client.NextHeader(context.Background(), "tx-unstable")
	require.NoError(t, err)
	encoded, err := nuwa.EncodePaymentHeader(header)
	require.NoError(t, err)

	rec := post(t, router, "web.unstable", encoded, "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	env, err := nuwa.DecodeEnvelope(rec.Header().Get(nuwa.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "tx-unstable", env.ClientTxRef)
	require.NotNil(t, env.Error)
	assert.Equal(t, types.ErrCodeInternal, env.Error.Code)

	var body struct {
		Error *types.ProtocolError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Contains(t, body.Error.Message, "quote feed offline")
}

func TestGinCallerDIDHeader(t *testing.T) {
	f := newHTTPFixture(t)
	router := ginRouter(t, f)

	// Recovery needs an authenticated caller: denied bare, served with the
	// caller header.
	rec := post(t, router, nuwa.OpRecovery, "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	header := &payment.PaymentHeader{ClientTxRef: "r-1", VMIDFragment: f.payer.mb}
	encoded, err := nuwa.EncodePaymentHeader(header)
	require.NoError(t, err)
	rec = post(t, router, nuwa.OpRecovery, encoded, f.payer.did.String())
	assert.Equal(t, http.StatusNotFound, rec.Code) // channel coordinates are zero
}

func TestEchoPaidRoundTrip(t *testing.T) {
	f := newHTTPFixture(t)
	e := echo.New()
	e.POST("/rpc", EchoHandler(f.kit))

	header, err := f.client.NextHeader(context.Background(), "tx-echo")
	require.NoError(t, err)
	encoded, err := nuwa.EncodePaymentHeader(header)
	require.NoError(t, err)

	rec := post(t, e, "web.quote", encoded, "")
	require.Equal(t, http.StatusOK, rec.Code)
	env, err := nuwa.DecodeEnvelope(rec.Header().Get(nuwa.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.Equal(t, "tx-echo", env.ClientTxRef)
	assert.Equal(t, uint64(1), env.SubRAV.Nonce)
}

func TestEchoHealthIsPublic(t *testing.T) {
	f := newHTTPFixture(t)
	e := echo.New()
	e.POST("/rpc", EchoHandler(f.kit))

	rec := post(t, e, nuwa.OpHealth, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(nuwa.HeaderPaymentResponse))
}

func TestStatusForCode(t *testing.T) {
	assert.Equal(t, http.StatusPaymentRequired, StatusForCode(types.ErrCodePaymentRequired))
	assert.Equal(t, http.StatusConflict, StatusForCode(types.ErrCodeRAVConflict))
	assert.Equal(t, http.StatusInternalServerError, StatusForCode("SOMETHING_ELSE"))
}
