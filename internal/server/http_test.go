package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"StakeLedger/internal/core"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
)

var (
	testAlice = ledger.MustParseAddress("0x00000000000000000000000000000000000000a1")
	testBob   = ledger.MustParseAddress("0x00000000000000000000000000000000000000b2")
	testAdmin = ledger.MustParseAddress("0x00000000000000000000000000000000000000ad")
)

type okTransferer struct{}

func (okTransferer) Transfer(ctx context.Context, to ledger.Address, amount *uint256.Int) error {
	return nil
}

// newTestServer wires an engine, a synchronous op loop, and the HTTP
// router with a policy that grants everything to testAdmin only.
func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()

	persistChan := make(chan core.CoreOutput, 64)
	projectionChan := make(chan core.CoreOutput, 64)
	eng := core.NewEngine(0, okTransferer{}, persistChan, projectionChan, nil, nil)

	opChan := make(chan ingestion.OpRequest, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for req := range opChan {
			err := eng.ProcessOp(context.Background(), req.Op)
			if req.Reply != nil {
				req.Reply <- err
			}
		}
	}()
	t.Cleanup(func() {
		close(opChan)
		<-done
	})

	policy := core.NewStaticPolicy()
	policy.Grant(testAdmin, core.CapabilityDistribute)
	policy.Grant(testAdmin, core.CapabilityPause)
	policy.Grant(testAdmin, core.CapabilityRebuild)

	health := observability.NewHealthChecker()
	health.SetReady(true)

	srv := NewServer(
		eng,
		ingestion.NewOpSubmitter(opChan),
		nil,
		policy,
		health,
		nil,
		zerolog.Nop(),
		nil,
	)
	return srv, srv.Router()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func errorKind(t *testing.T, body map[string]interface{}) (string, map[string]interface{}) {
	t.Helper()
	apiErr, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "response has no error object: %v", body)
	kind, _ := apiErr["kind"].(string)
	fields, _ := apiErr["fields"].(map[string]interface{})
	return kind, fields
}

func stakeBody(caller ledger.Address, amount string) map[string]interface{} {
	return map[string]interface{}{"caller": caller.String(), "amount": amount}
}

func TestStakeAndReadBack(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/stake", stakeBody(testAlice, "250"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "applied", body["status"])
	require.NotEmpty(t, body["op_id"])

	rec, body = doJSON(t, h, http.MethodGet, "/v1/balances/"+testAlice.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "250", body["balance"])

	rec, body = doJSON(t, h, http.MethodGet, "/v1/stakers/count", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["num_stakers"])

	rec, body = doJSON(t, h, http.MethodGet, "/v1/total", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "250", body["total_staked"])
}

func TestStakeZeroAmountRejected(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/stake", stakeBody(testAlice, "0"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	kind, _ := errorKind(t, body)
	require.Equal(t, "zero_amount", kind)
}

func TestStakeBadAddressRejected(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/stake",
		map[string]interface{}{"caller": "not-an-address", "amount": "10"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	kind, _ := errorKind(t, body)
	require.Equal(t, "bad_address", kind)
}

func TestUnstakeInsufficientBalance(t *testing.T) {
	_, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/stake", stakeBody(testAlice, "100"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/unstake", stakeBody(testAlice, "150"), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	kind, fields := errorKind(t, body)
	require.Equal(t, "insufficient_balance", kind)
	require.Equal(t, "150", fields["requested"])
	require.Equal(t, "100", fields["available"])
}

func TestUnstakeReducesBalance(t *testing.T) {
	_, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/stake", stakeBody(testAlice, "100"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/unstake", stakeBody(testAlice, "40"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, h, http.MethodGet, "/v1/balances/"+testAlice.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "60", body["balance"])
}

func distributeBody(caller ledger.Address, total string, recipients []ledger.Address, amounts []string) map[string]interface{} {
	recs := make([]string, len(recipients))
	for i, r := range recipients {
		recs[i] = r.String()
	}
	return map[string]interface{}{
		"caller":     caller.String(),
		"total":      total,
		"recipients": recs,
		"amounts":    amounts,
	}
}

func TestDistributeRequiresCapability(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/distribute",
		distributeBody(testAlice, "100", []ledger.Address{testBob}, []string{"100"}), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	kind, _ := errorKind(t, body)
	require.Equal(t, "forbidden", kind)
}

func TestDistributeAppliesCredits(t *testing.T) {
	_, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/distribute",
		distributeBody(testAdmin, "100", []ledger.Address{testAlice, testBob}, []string{"30", "70"}), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, body := doJSON(t, h, http.MethodGet, "/v1/balances/"+testAlice.String(), nil, nil)
	require.Equal(t, "30", body["balance"])
	_, body = doJSON(t, h, http.MethodGet, "/v1/balances/"+testBob.String(), nil, nil)
	require.Equal(t, "70", body["balance"])
}

func TestDistributeTotalMismatch(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/distribute",
		distributeBody(testAdmin, "99", []ledger.Address{testAlice, testBob}, []string{"30", "70"}), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	kind, fields := errorKind(t, body)
	require.Equal(t, "total_mismatch", kind)
	require.Equal(t, "99", fields["provided"])
	require.Equal(t, "100", fields["computed"])

	// The failed distribution must leave no trace.
	_, b := doJSON(t, h, http.MethodGet, "/v1/balances/"+testAlice.String(), nil, nil)
	require.Equal(t, "0", b["balance"])
	_, b = doJSON(t, h, http.MethodGet, "/v1/stakers/count", nil, nil)
	require.Equal(t, float64(0), b["num_stakers"])
}

func TestDistributeLengthMismatch(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/distribute",
		distributeBody(testAdmin, "100", []ledger.Address{testAlice, testBob}, []string{"100"}), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	kind, fields := errorKind(t, body)
	require.Equal(t, "length_mismatch", kind)
	require.Equal(t, float64(2), fields["recipients_len"])
	require.Equal(t, float64(1), fields["amounts_len"])
}

func TestStakersPagination(t *testing.T) {
	_, h := newTestServer(t)

	for i, a := range []ledger.Address{testAlice, testBob} {
		rec, _ := doJSON(t, h, http.MethodPost, "/v1/stake", stakeBody(a, fmt.Sprintf("%d", (i+1)*10)), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, body := doJSON(t, h, http.MethodGet, "/v1/stakers?offset=0&count=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stakers, ok := body["stakers"].([]interface{})
	require.True(t, ok)
	require.Len(t, stakers, 2)
	require.Equal(t, testAlice.String(), stakers[0])
	require.Equal(t, testBob.String(), stakers[1])

	rec, body = doJSON(t, h, http.MethodGet, "/v1/stakers?offset=2&count=1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	kind, fields := errorKind(t, body)
	require.Equal(t, "out_of_range", kind)
	require.Equal(t, float64(2), fields["offset"])
	require.Equal(t, float64(1), fields["count"])
	require.Equal(t, float64(2), fields["length"])
}

func TestPauseAndResume(t *testing.T) {
	_, h := newTestServer(t)
	adminHdr := map[string]string{"X-Caller": testAdmin.String()}

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/admin/pause", nil, adminHdr)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/stake", stakeBody(testAlice, "10"), nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	kind, _ := errorKind(t, body)
	require.Equal(t, "paused", kind)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/admin/resume", nil, adminHdr)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/stake", stakeBody(testAlice, "10"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRequiresCaller(t *testing.T) {
	_, h := newTestServer(t)

	rec, body := doJSON(t, h, http.MethodPost, "/v1/admin/pause", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	kind, _ := errorKind(t, body)
	require.Equal(t, "bad_caller", kind)

	rec, body = doJSON(t, h, http.MethodPost, "/v1/admin/pause", nil,
		map[string]string{"X-Caller": testAlice.String()})
	require.Equal(t, http.StatusForbidden, rec.Code)
	kind, _ = errorKind(t, body)
	require.Equal(t, "forbidden", kind)
}

func TestHealthEndpoints(t *testing.T) {
	_, h := newTestServer(t)

	rec, _ := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = doJSON(t, h, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
