// Package claim drives the multi request claim protocol of a single item:
//
//	discovered -> resolving download url -> resolving claim form -> submitting claim
//
// ending in claimed, missed or failed.
package claim

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"itchclaim/internal/components/assert"
	"itchclaim/internal/components/telemetry"
	"itchclaim/internal/scrapers/itch"
	"itchclaim/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("itchclaim/claim")
var meter = otel.Meter("itchclaim/claim")
var outcomeCounter, _ = meter.Int64Counter(
	"claim_outcomes",
	metric.WithDescription("finished claim attempts by outcome"),
)

const (
	report_claim         = "claim"
	report_claim_missed  = "claim.missed"
	report_claim_claimed = "claim.claimed"
)

type Outcome int

const (
	// the item was already owned, nothing was sent
	OutcomeSkipped Outcome = iota
	OutcomeClaimed
	// the download page has no claim step
	OutcomeMissed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeClaimed:
		return "claimed"
	case OutcomeMissed:
		return "missed"
	default:
		return "failed"
	}
}

// ReasonPromotionInactive is the reason of a claim that was refused because
// the sale or reward already ended.
const ReasonPromotionInactive = itch.MarkerPromotionInactive

const reasonRedirectedToRoot = "redirected to the front page"

type Request struct {
	Item string
	// RewardId selects a community copy tier, 0 claims the item itself.
	RewardId int64
}

type Result struct {
	Item string
	// ResolvedUrl differs from Item when the item moved.
	ResolvedUrl string
	Outcome     Outcome
	Reason      string
	Err         error
}

type step int

const (
	stepDownloadUrl step = iota
	stepClaimForm
	stepSubmit
)

func (s step) String() string {
	switch s {
	case stepDownloadUrl:
		return "resolve download url"
	case stepClaimForm:
		return "resolve claim form"
	default:
		return "submit claim"
	}
}

type Engine struct {
	client *itch.Client
	tel    telemetry.API
}

func NewEngine(client *itch.Client, tel telemetry.API) Engine {
	assert.NotNil(client)
	assert.NotNil(tel)
	return Engine{
		client: client,
		tel:    telemetry.NewScopedAPI("claim", tel),
	}
}

// Claim runs the protocol for one item. Failures of the item are part of the
// result, the returned error is only set when the run has to stop (see
// itch.IsFatal).
func (e Engine) Claim(ctx context.Context, sess *session.Session, req Request) (Result, error) {
	if sess.Owns(req.Item) {
		return Result{Item: req.Item, ResolvedUrl: req.Item, Outcome: OutcomeSkipped}, nil
	}

	ctx, span := tracer.Start(ctx, "Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("item", req.Item),
		attribute.Int64("reward_id", req.RewardId),
	)

	result, failedAt, err := e.run(ctx, sess, req)
	if err != nil {
		if itch.IsFatal(err) || ctx.Err() != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		result.Outcome = OutcomeFailed
		result.Err = fmt.Errorf("%s: %w", failedAt, err)
		if result.Reason == "" {
			result.Reason = err.Error()
		}
	}

	span.SetAttributes(attribute.String("outcome", result.Outcome.String()))
	outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", result.Outcome.String())))

	switch result.Outcome {
	case OutcomeClaimed:
		sess.MarkOwned(req.Item)
		sess.MarkOwned(result.ResolvedUrl)
		e.tel.ReportInfo(report_claim_claimed, "item", req.Item)
	case OutcomeMissed:
		e.tel.ReportDebug(report_claim_missed, "item", req.Item)
	case OutcomeFailed:
		span.SetStatus(codes.Error, result.Reason)
		e.tel.ReportBroken(report_claim, result.Err, req.Item, result.Reason)
	}
	return result, nil
}

var errPromotionInactive = errors.New(ReasonPromotionInactive)

func (e Engine) run(ctx context.Context, sess *session.Session, req Request) (Result, step, error) {
	result := Result{Item: req.Item, ResolvedUrl: req.Item}

	downloadUrl, err := e.resolveDownloadUrl(ctx, sess, req, &result)
	if err != nil {
		return result, stepDownloadUrl, err
	}

	res, err := e.client.Fetch(ctx, itch.Get(downloadUrl))
	if err != nil {
		return result, stepClaimForm, err
	}
	if res.StatusCode != http.StatusOK {
		return result, stepClaimForm, fmt.Errorf("download page status %d", res.StatusCode)
	}
	action, found, err := itch.ParseClaimFormAction(e.client.BaseUrl, res.Body)
	if err != nil {
		return result, stepClaimForm, err
	}
	if !found {
		result.Outcome = OutcomeMissed
		result.Reason = "no claim form"
		return result, stepClaimForm, nil
	}

	res, err = e.client.SubmitClaim(ctx, action, sess.CsrfToken)
	if err != nil {
		return result, stepSubmit, err
	}
	if e.client.IsSiteRoot(res.Url) {
		if strings.Contains(res.Text(), itch.MarkerPromotionInactive) {
			result.Reason = ReasonPromotionInactive
			return result, stepSubmit, errPromotionInactive
		}
		result.Reason = reasonRedirectedToRoot
		return result, stepSubmit, errors.New(reasonRedirectedToRoot)
	}

	result.Outcome = OutcomeClaimed
	return result, stepSubmit, nil
}

// resolveDownloadUrl asks for the download page. An item that moved answers
// with "invalid game" or "invalid user", in that case the item url is
// resolved through its redirect and the request retried once.
func (e Engine) resolveDownloadUrl(ctx context.Context, sess *session.Session, req Request, result *Result) (string, error) {
	retriedRedirect := false
	for {
		res, err := e.client.RequestDownloadUrl(ctx, result.ResolvedUrl, sess.CsrfToken, req.RewardId)
		if err != nil {
			return "", err
		}

		msg := res.FirstError()
		if msg == "" {
			if res.Url == "" {
				return "", errors.New("empty download url")
			}
			return res.Url, nil
		}

		if retriedRedirect || (msg != itch.DownloadErrorInvalidGame && msg != itch.DownloadErrorInvalidUser) {
			return "", errors.New(msg)
		}
		retriedRedirect = true

		resolved, err := e.client.ResolveRedirect(ctx, result.ResolvedUrl)
		if err != nil {
			return "", fmt.Errorf("%s, resolve redirect: %w", msg, err)
		}
		if resolved == result.ResolvedUrl {
			return "", errors.New(msg)
		}
		e.tel.ReportDebug(report_claim, "item moved", result.ResolvedUrl, resolved)
		result.ResolvedUrl = resolved
	}
}

type Summary struct {
	Results []Result
	Claimed int
}

// Missed returns the items whose download page had no claim step.
func (s Summary) Missed() []string {
	var out []string
	for _, r := range s.Results {
		if r.Outcome == OutcomeMissed {
			out = append(out, r.Item)
		}
	}
	return out
}

// ClaimAll claims items one after another, calling done (when set) after each
// item. It stops early only when Claim returns an error, the summary then
// holds everything finished so far.
func (e Engine) ClaimAll(ctx context.Context, sess *session.Session, reqs []Request, done func(req Request, result Result)) (Summary, error) {
	var summary Summary
	for _, req := range reqs {
		result, err := e.Claim(ctx, sess, req)
		if err != nil {
			return summary, err
		}
		summary.Results = append(summary.Results, result)
		if result.Outcome == OutcomeClaimed {
			summary.Claimed++
		}
		if done != nil {
			done(req, result)
		}
	}
	return summary, nil
}
