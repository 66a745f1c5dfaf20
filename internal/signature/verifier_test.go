package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func TestVerifySimpleRoundTrip(t *testing.T) {
	body := []byte(`{"event":"order/paid","id":123}`)
	digest := Sign(testSecret, body)

	for _, header := range []string{digest, "sha256=" + digest, "SHA256=" + digest} {
		ok, err := Verify(body, header, testSecret)
		require.NoError(t, err)
		require.True(t, ok, header)
	}
}

func TestVerifySimpleAcceptsBase64(t *testing.T) {
	body := []byte(`{"event":"order/cancelled","id":77}`)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	header := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	res, err := New().VerifyRequest(Request{Body: body, Header: header, Secret: testSecret})
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, "base64", res.Encoding)
}

func TestVerifySimpleBase64DigestEndingInTimestampKey(t *testing.T) {
	var (
		body   []byte
		digest string
	)
	for i := 0; i < 200000; i++ {
		candidate := []byte(fmt.Sprintf(`{"id":%d}`, i))
		mac := hmac.New(sha256.New, []byte(testSecret))
		mac.Write(candidate)
		encoded := base64.StdEncoding.EncodeToString(mac.Sum(nil))
		if strings.HasSuffix(encoded, "ts=") {
			body, digest = candidate, encoded
			break
		}
	}
	require.NotEmpty(t, digest, "no body produced a digest ending in ts=")

	for _, header := range []string{digest, "sha256=" + digest} {
		res, err := New().VerifyRequest(Request{Body: body, Header: header, Secret: testSecret})
		require.NoError(t, err)
		require.True(t, res.Valid, header)
		require.Equal(t, SchemeSimple, res.Scheme)
		require.Equal(t, "base64", res.Encoding)
	}
}

func TestVerifyRejectsSingleByteMutations(t *testing.T) {
	body := []byte(`{"event":"order/paid","id":123}`)
	header := "sha256=" + Sign(testSecret, body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		ok, err := Verify(mutated, header, testSecret)
		require.NoError(t, err)
		require.False(t, ok, "body byte %d", i)
	}

	for i := range header {
		mutated := []byte(header)
		mutated[i] ^= 0x01
		ok, err := Verify(body, string(mutated), testSecret)
		require.NoError(t, err)
		require.False(t, ok, "header byte %d", i)
	}
}

func TestVerifyMalformedHeaderNeverErrors(t *testing.T) {
	body := []byte(`{}`)
	for _, header := range []string{"", "   ", "ts=,v1=", "ts=abc,v1=deadbeef", "v1=deadbeef", "sha256=", "a b c", "ts=1700000000"} {
		ok, err := Verify(body, header, testSecret)
		require.NoError(t, err, header)
		require.False(t, ok, header)
	}
}

func TestVerifyMissingSecret(t *testing.T) {
	_, err := Verify([]byte(`{}`), "sha256=abc", "")
	require.ErrorIs(t, err, ErrMissingSecret)

	_, err = New().VerifyRequest(Request{Body: []byte(`{}`), Secret: "  "})
	require.ErrorIs(t, err, ErrMissingSecret)
}

func timestampedHeader(resourceID, requestID string, ts int64, trailing bool) string {
	manifest := TimestampedManifest(resourceID, requestID, strconv.FormatInt(ts, 10))
	if trailing {
		manifest += ";"
	}
	return fmt.Sprintf("ts=%d,v1=%s", ts, Sign(testSecret, []byte(manifest)))
}

func TestVerifyTimestampedStrategies(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	requestID := "bb56a2f1-6aae-46ac-982e-9dcd3581d08e"

	cases := []struct {
		name       string
		body       string
		topic      string
		resourceID string
		strategy   Strategy
		trailing   bool
	}{
		{"data id", `{"type":"payment","action":"payment.updated","data":{"id":"987654321"}}`, "payment", "987654321", StrategyDataID, false},
		{"numeric data id", `{"type":"payment","data":{"id":987654321}}`, "payment", "987654321", StrategyDataID, true},
		{"top level id", `{"id":555,"topic":"orders_v2"}`, "orders_v2", "555", StrategyPayloadID, false},
		{"resource url", `{"topic":"orders_v2","resource":"/orders/2000001234"}`, "orders_v2", "2000001234", StrategyResourceURL, false},
		{"topic literal", `{"topic":"items"}`, "items", "items", StrategyTopic, true},
	}

	v := New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			header := timestampedHeader(tc.resourceID, requestID, now.Unix(), tc.trailing)
			res, err := v.VerifyRequest(Request{
				Body:      []byte(tc.body),
				Header:    header,
				RequestID: requestID,
				Topic:     tc.topic,
				Secret:    testSecret,
				Now:       now.Add(time.Minute),
			})
			require.NoError(t, err)
			require.True(t, res.Valid)
			require.Equal(t, SchemeTimestamped, res.Scheme)
			require.Equal(t, tc.strategy, res.Strategy)
			require.Equal(t, tc.resourceID, res.ResourceID)
		})
	}
}

func TestVerifyTimestampedFailsClosed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"type":"payment","data":{"id":"987654321"}}`)
	header := timestampedHeader("111", "req-1", now.Unix(), false)

	res, err := New().VerifyRequest(Request{Body: body, Header: header, RequestID: "req-1", Topic: "payment", Secret: testSecret, Now: now})
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonNoMatch, res.Reason)
}

func TestVerifyTimestampedRespectsStrategyList(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"topic":"items"}`)
	header := timestampedHeader("items", "req-2", now.Unix(), false)

	res, err := New(WithStrategies(StrategyDataID, StrategyResourceURL)).VerifyRequest(Request{
		Body: body, Header: header, RequestID: "req-2", Topic: "items", Secret: testSecret, Now: now,
	})
	require.NoError(t, err)
	require.False(t, res.Valid)
}

func TestVerifyTimestampedReplayWindow(t *testing.T) {
	signedAt := time.Unix(1_700_000_000, 0)
	body := []byte(`{"data":{"id":"42"}}`)
	header := timestampedHeader("42", "req-3", signedAt.Unix(), false)
	req := Request{Body: body, Header: header, RequestID: "req-3", Secret: testSecret}

	req.Now = signedAt.Add(10 * time.Minute)
	res, err := New().VerifyRequest(req)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, ReasonStaleTimestamp, res.Reason)

	res, err = New(WithTolerance(0)).VerifyRequest(req)
	require.NoError(t, err)
	require.True(t, res.Valid)
}

func TestVerifyTimestampedSignatureMutation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"data":{"id":"987654321"}}`)
	header := timestampedHeader("987654321", "req-4", now.Unix(), false)

	for i := range header {
		mutated := []byte(header)
		mutated[i] ^= 0x01
		res, err := New(WithTolerance(0)).VerifyRequest(Request{Body: body, Header: string(mutated), RequestID: "req-4", Secret: testSecret})
		require.NoError(t, err)
		require.False(t, res.Valid, "header byte %d", i)
	}
}

func TestParseStrategies(t *testing.T) {
	require.Equal(t,
		[]Strategy{StrategyResourceURL, StrategyDataID},
		ParseStrategies([]string{" resource_url", "bogus", "data.id"}),
	)
}
