// Package signature verifies HMAC-SHA256 signatures of inbound webhook payloads.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrMissingSecret is a deployment error: no shared secret was configured.
var ErrMissingSecret = errors.New("signature: shared secret not configured")

// Scheme identifies the header format that was verified.
type Scheme string

const (
	SchemeSimple      Scheme = "simple"
	SchemeTimestamped Scheme = "timestamped"
)

// Strategy names a resource id extraction rule used for timestamped signatures.
type Strategy string

const (
	StrategyDataID      Strategy = "data.id"
	StrategyPayloadID   Strategy = "id"
	StrategyResourceURL Strategy = "resource_url"
	StrategyTopic       Strategy = "topic"
)

// DefaultStrategies is the order in which resource ids are tried.
var DefaultStrategies = []Strategy{StrategyDataID, StrategyPayloadID, StrategyResourceURL, StrategyTopic}

// DefaultTolerance bounds the age of a timestamped signature.
const DefaultTolerance = 5 * time.Minute

// Failure reasons reported in Result.Reason.
const (
	ReasonMissingHeader   = "missing_header"
	ReasonMalformedHeader = "malformed_header"
	ReasonStaleTimestamp  = "stale_timestamp"
	ReasonNoMatch         = "digest_mismatch"
)

var trailingDigits = regexp.MustCompile(`(\d+)/?$`)

// Request carries everything needed to verify one delivery.
type Request struct {
	Body      []byte
	Header    string
	RequestID string
	Topic     string
	Secret    string
	// Now is the reference time for the replay window. Zero skips the check.
	Now time.Time
}

// Result describes the outcome of a verification.
type Result struct {
	Valid      bool
	Scheme     Scheme
	Strategy   Strategy
	Encoding   string
	ResourceID string
	Reason     string
}

// Verifier checks webhook signatures against an ordered list of canonicalization strategies.
type Verifier struct {
	strategies []Strategy
	tolerance  time.Duration
	logger     *zap.Logger
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithStrategies overrides the resource id strategies, in order.
func WithStrategies(strategies ...Strategy) Option {
	return func(v *Verifier) {
		if len(strategies) > 0 {
			v.strategies = append([]Strategy(nil), strategies...)
		}
	}
}

// WithTolerance sets the replay window for timestamped headers. Zero disables it.
func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) {
		if d >= 0 {
			v.tolerance = d
		}
	}
}

// WithLogger attaches a logger used to report which strategy matched.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger
	}
}

// New constructs a Verifier with the default strategies and tolerance.
func New(opts ...Option) *Verifier {
	v := &Verifier{
		strategies: append([]Strategy(nil), DefaultStrategies...),
		tolerance:  DefaultTolerance,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks header against body with secret. It never fails on bad
// input; the only error is ErrMissingSecret.
func Verify(rawBody []byte, signatureHeader, secret string) (bool, error) {
	res, err := New(WithTolerance(0)).VerifyRequest(Request{Body: rawBody, Header: signatureHeader, Secret: secret})
	if err != nil {
		return false, err
	}
	return res.Valid, nil
}

// ParseStrategies converts a comma separated list into strategies, skipping unknown names.
func ParseStrategies(values []string) []Strategy {
	out := make([]Strategy, 0, len(values))
	for _, raw := range values {
		switch s := Strategy(strings.TrimSpace(raw)); s {
		case StrategyDataID, StrategyPayloadID, StrategyResourceURL, StrategyTopic:
			out = append(out, s)
		}
	}
	return out
}

// VerifyRequest verifies req and reports which scheme and strategy matched.
func (v *Verifier) VerifyRequest(req Request) (Result, error) {
	if strings.TrimSpace(req.Secret) == "" {
		return Result{}, ErrMissingSecret
	}

	header := strings.TrimSpace(req.Header)
	if header == "" {
		return Result{Reason: ReasonMissingHeader}, nil
	}

	if ts, digest, ok := parseTimestamped(header); ok {
		return v.verifyTimestamped(req, header, ts, digest), nil
	}
	if isTimestampedShape(header) {
		return Result{Scheme: SchemeTimestamped, Reason: ReasonMalformedHeader}, nil
	}

	digest, ok := parseSimple(header)
	if !ok {
		return Result{Scheme: SchemeSimple, Reason: ReasonMalformedHeader}, nil
	}
	mac := sign([]byte(req.Secret), req.Body)
	if enc, ok := matchDigest(mac, header, digest); ok {
		return Result{Valid: true, Scheme: SchemeSimple, Encoding: enc}, nil
	}
	return Result{Scheme: SchemeSimple, Reason: ReasonNoMatch}, nil
}

func (v *Verifier) verifyTimestamped(req Request, header, ts, digest string) Result {
	if v.tolerance > 0 && !req.Now.IsZero() {
		signedAt, err := parseUnix(ts)
		if err != nil {
			return Result{Scheme: SchemeTimestamped, Reason: ReasonMalformedHeader}
		}
		skew := req.Now.Sub(signedAt)
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return Result{Scheme: SchemeTimestamped, Reason: ReasonStaleTimestamp}
		}
	}

	payload := decodePayload(req.Body)
	secret := []byte(req.Secret)
	for _, strategy := range v.strategies {
		resourceID := extractResourceID(strategy, payload, req.Topic)
		if resourceID == "" {
			continue
		}
		base := fmt.Sprintf("id:%s;request-id:%s;ts:%s", resourceID, req.RequestID, ts)
		for _, manifest := range []string{base, base + ";"} {
			mac := sign(secret, []byte(manifest))
			if enc, ok := matchDigest(mac, header, digest); ok {
				v.log().Debug("webhook signature matched",
					zap.String("strategy", string(strategy)),
					zap.String("encoding", enc),
				)
				return Result{
					Valid:      true,
					Scheme:     SchemeTimestamped,
					Strategy:   strategy,
					Encoding:   enc,
					ResourceID: resourceID,
				}
			}
		}
	}
	return Result{Scheme: SchemeTimestamped, Reason: ReasonNoMatch}
}

func (v *Verifier) log() *zap.Logger {
	if v.logger != nil {
		return v.logger
	}
	return zap.L()
}

// Sign returns the hex encoded HMAC-SHA256 of message.
func Sign(secret string, message []byte) string {
	return hex.EncodeToString(sign([]byte(secret), message))
}

// TimestampedManifest builds the canonical string signed by timestamped schemes.
func TimestampedManifest(resourceID, requestID, ts string) string {
	return fmt.Sprintf("id:%s;request-id:%s;ts:%s", resourceID, requestID, ts)
}

func sign(secret, message []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(message)
	return h.Sum(nil)
}

// matchDigest compares every encoding of mac against every received representation.
func matchDigest(mac []byte, header, digest string) (string, bool) {
	received := []string{digest, "sha256=" + digest, header}

	hexDigest := hex.EncodeToString(mac)
	b64Digest := base64.StdEncoding.EncodeToString(mac)
	computed := []struct {
		encoding string
		value    string
	}{
		{"hex", hexDigest},
		{"hex", "sha256=" + hexDigest},
		{"base64", b64Digest},
		{"base64", "sha256=" + b64Digest},
		{"base64", base64.RawURLEncoding.EncodeToString(mac)},
	}

	matched := ""
	for _, c := range computed {
		for _, r := range received {
			if hmac.Equal([]byte(c.value), []byte(r)) && matched == "" {
				matched = c.encoding
			}
		}
	}
	return matched, matched != ""
}

// isTimestampedShape reports headers with a ts, t or v1 key. Only the text
// before the first '=' of each comma separated part is a key; base64 digests
// may end in "ts=".
func isTimestampedShape(header string) bool {
	for _, part := range strings.Split(header, ",") {
		key, _, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "ts", "t", "v1":
			return true
		}
	}
	return false
}

func parseTimestamped(header string) (ts, digest string, ok bool) {
	if !strings.Contains(header, ",") {
		return "", "", false
	}
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "ts", "t":
			ts = strings.TrimSpace(value)
		case "v1":
			digest = strings.TrimSpace(value)
		}
	}
	if ts == "" || digest == "" {
		return "", "", false
	}
	if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
		return "", "", false
	}
	return ts, digest, true
}

func parseSimple(header string) (string, bool) {
	if alg, digest, found := strings.Cut(header, "="); found {
		if strings.EqualFold(strings.TrimSpace(alg), "sha256") {
			digest = strings.TrimSpace(digest)
			return digest, digest != ""
		}
	}
	if strings.ContainsAny(header, " ,;") {
		return "", false
	}
	return header, true
}

func parseUnix(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1e12 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

func decodePayload(body []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil
	}
	return payload
}

// ExtractResourceID applies a single strategy to a raw payload.
func ExtractResourceID(strategy Strategy, body []byte, topic string) string {
	return extractResourceID(strategy, decodePayload(body), topic)
}

func extractResourceID(strategy Strategy, payload map[string]any, topic string) string {
	switch strategy {
	case StrategyDataID:
		if data, ok := payload["data"].(map[string]any); ok {
			return scalarString(data["id"])
		}
	case StrategyPayloadID:
		return scalarString(payload["id"])
	case StrategyResourceURL:
		resource, _ := payload["resource"].(string)
		if m := trailingDigits.FindStringSubmatch(strings.TrimSpace(resource)); m != nil {
			return m[1]
		}
	case StrategyTopic:
		if topic != "" {
			return topic
		}
		if t := scalarString(payload["topic"]); t != "" {
			return t
		}
		return scalarString(payload["type"])
	}
	return ""
}

func scalarString(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return ""
}
