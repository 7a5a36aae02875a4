package processor

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nestbid/nestbid/internal/money"
)

const (
	fakeWebhookSecret = "whsec_fake"
	fakeTolerance     = 5 * time.Minute
)

// Fake is a deterministic in-memory gateway for tests and keyless dev
// environments. Outcomes are scripted through payer/destination reference
// prefixes:
//
//	declined_*  every call is declined
//	down_*      every call fails transiently
//	flaky_*     the first call per idempotency key fails transiently
//
// Processor refs are derived from the idempotency key, and replaying a key
// returns the first recorded outcome, so behavior is stable across retries.
type Fake struct {
	secret string

	mu       sync.Mutex
	outcomes map[string]fakeOutcome   // op-scoped idempotency key -> first result
	charges  map[string]ChargeRequest // processor ref -> original charge
	attempts map[string]int

	chargeCalls atomic.Int64
	refundCalls atomic.Int64
	payoutCalls atomic.Int64

	now func() time.Time
}

type fakeOutcome struct {
	ref string
	err error
}

// Compile-time interface check
var _ Gateway = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		secret:   fakeWebhookSecret,
		outcomes: make(map[string]fakeOutcome),
		charges:  make(map[string]ChargeRequest),
		attempts: make(map[string]int),
		now:      time.Now,
	}
}

// FakeRef returns the processor ref the fake assigns for an idempotency key.
// Tests use it to predict refs without threading results around.
func FakeRef(prefix, idempotencyKey string) string {
	sum := sha256.Sum256([]byte(idempotencyKey))
	return prefix + hex.EncodeToString(sum[:8])
}

func (f *Fake) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	f.chargeCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := money.MinorUnits(req.Amount, req.Currency); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := "charge:" + req.IdempotencyKey
	if out, ok := f.outcomes[key]; ok {
		if out.err != nil {
			return nil, out.err
		}
		return &ChargeResult{ProcessorRef: out.ref, Status: StatusSucceeded}, nil
	}

	if err := f.scripted("charge", req.PayerRef, key); err != nil {
		return nil, err
	}

	ref := FakeRef("pi_", req.IdempotencyKey)
	f.outcomes[key] = fakeOutcome{ref: ref}
	f.charges[ref] = req
	return &ChargeResult{ProcessorRef: ref, Status: StatusSucceeded}, nil
}

func (f *Fake) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	f.refundCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := money.MinorUnits(req.Amount, req.Currency); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := "refund:" + req.IdempotencyKey
	if out, ok := f.outcomes[key]; ok {
		if out.err != nil {
			return nil, out.err
		}
		return &RefundResult{ProcessorRef: out.ref, Status: StatusSucceeded}, nil
	}

	orig, ok := f.charges[req.ProcessorRef]
	if !ok {
		return nil, &GatewayError{Op: "refund", Ref: req.ProcessorRef, Code: "resource_missing", Err: ErrDeclined}
	}
	if req.Amount.GreaterThan(orig.Amount) {
		return nil, &GatewayError{Op: "refund", Ref: req.ProcessorRef, Code: "amount_too_large", Err: ErrDeclined}
	}
	if err := f.scripted("refund", orig.PayerRef, key); err != nil {
		return nil, err
	}

	ref := FakeRef("re_", req.IdempotencyKey)
	f.outcomes[key] = fakeOutcome{ref: ref}
	return &RefundResult{ProcessorRef: ref, Status: StatusSucceeded}, nil
}

func (f *Fake) Payout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	f.payoutCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := money.MinorUnits(req.Amount, req.Currency); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := "payout:" + req.IdempotencyKey
	if out, ok := f.outcomes[key]; ok {
		if out.err != nil {
			return nil, out.err
		}
		return &PayoutResult{ProcessorRef: out.ref, Status: StatusSucceeded}, nil
	}

	if err := f.scripted("payout", req.DestinationRef, key); err != nil {
		return nil, err
	}

	ref := FakeRef("tr_", req.IdempotencyKey)
	f.outcomes[key] = fakeOutcome{ref: ref}
	return &PayoutResult{ProcessorRef: ref, Status: StatusSucceeded}, nil
}

// scripted applies the prefix script for a reference. Declines are recorded
// so replays stay declined; transient failures are not, so a retry can
// succeed once the prefix allows it.
func (f *Fake) scripted(op, ref, key string) error {
	switch {
	case strings.HasPrefix(ref, "declined_"):
		err := &GatewayError{Op: op, Code: "card_declined", Err: ErrDeclined}
		f.outcomes[key] = fakeOutcome{err: err}
		return err
	case strings.HasPrefix(ref, "down_"):
		return &GatewayError{Op: op, Code: "gateway_down", Err: ErrUnavailable}
	case strings.HasPrefix(ref, "flaky_"):
		f.attempts[key]++
		if f.attempts[key] == 1 {
			return &GatewayError{Op: op, Code: "gateway_flap", Err: ErrUnavailable}
		}
	}
	return nil
}

func (f *Fake) ChargeCalls() int64 { return f.chargeCalls.Load() }
func (f *Fake) RefundCalls() int64 { return f.refundCalls.Load() }
func (f *Fake) PayoutCalls() int64 { return f.payoutCalls.Load() }

// SignedWebhook renders a normalized event as a payload plus a signature
// header ParseWebhook accepts, for driving webhook consumers in tests. The
// scheme matches the live gateway's: t=<unix>,v1=<hmac-sha256 of "t.body">.
func (f *Fake) SignedWebhook(event *WebhookEvent) ([]byte, string) {
	payload, _ := json.Marshal(event)
	ts := f.now().Unix()
	return payload, "t=" + strconv.FormatInt(ts, 10) + ",v1=" + fakeSign(f.secret, ts, payload)
}

func (f *Fake) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	ts, sigs := parseSignatureHeader(signature)
	if ts == 0 || len(sigs) == 0 {
		return nil, fmt.Errorf("%w: malformed signature header", ErrInvalidSignature)
	}

	want := fakeSign(f.secret, ts, payload)
	valid := false
	for _, got := range sigs {
		if hmac.Equal([]byte(want), []byte(got)) {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
	}
	if skew := f.now().Unix() - ts; skew > int64(fakeTolerance/time.Second) || -skew > int64(fakeTolerance/time.Second) {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("processor: decode webhook payload: %v", err)
	}
	switch event.Type {
	case EventChargeSucceeded, EventChargeFailed, EventPayoutSucceeded, EventPayoutFailed:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event.Type)
	}
	return &event, nil
}

func fakeSign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (int64, []string) {
	var ts int64
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, _ = strconv.ParseInt(kv[1], 10, 64)
		case "v1":
			sigs = append(sigs, kv[1])
		}
	}
	return ts, sigs
}
