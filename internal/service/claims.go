package service

import (
	"context"
	"fmt"

	"itchclaim/internal/claim"
	"itchclaim/internal/feed"
	"itchclaim/internal/scrapers/itch"
)

// Claim claims every claimable item of the feed at feedUrl the account does
// not own yet. An empty library is loaded first so owned items are not sent
// to the claim engine again.
func (s Service) Claim(ctx context.Context, feedUrl string) (summary Summary, err error) {
	ctx, span := tracer.Start(ctx, "Claim")
	defer span.End()

	if feedUrl == "" {
		feedUrl = s.opts.FeedUrl
	}

	sess, err := s.openSession(ctx)
	if err != nil {
		return summary, err
	}
	defer func() {
		s.closeSession(sess, err)
	}()

	run, err := s.startRun(ctx, ModeClaim, &summary)
	if err != nil {
		return summary, err
	}
	defer s.finishRun(ctx, run, &summary)

	if sess.Owned.Len() == 0 {
		s.tel.ReportInfo(report_service_claim, "library not cached, loading it")
		err = s.sessions.RefreshLibrary(ctx, sess)
		if err != nil {
			return summary, err
		}
		err = s.sessions.Save(sess)
		if err != nil {
			return summary, err
		}
	}

	entries, err := feed.Fetch(ctx, s.client, feedUrl)
	if err != nil {
		return summary, err
	}
	reqs := feed.Requests(entries, sess)
	s.tel.ReportInfo(report_service_claim, "feed", len(entries), "unowned", len(reqs))

	batch, err := s.claims.ClaimAll(ctx, sess, reqs, func(req claim.Request, result claim.Result) {
		// failures are reported by the ledger
		_ = run.RecordOutcome(ctx, result, req.RewardId)
		if result.Outcome != claim.OutcomeClaimed {
			return
		}
		saveErr := s.sessions.Save(sess)
		if saveErr != nil {
			s.tel.ReportBroken(report_service_session, saveErr, sess.Username)
		}
	})
	summary.Items = len(batch.Results)
	s.tel.ReportInfo(report_service_claim, "claimed", batch.Claimed, "missed", len(batch.Missed()))
	return summary, err
}

// ClaimUrl claims a single item and then claims its community copies when it
// has any.
func (s Service) ClaimUrl(ctx context.Context, link string) (summary Summary, err error) {
	ctx, span := tracer.Start(ctx, "ClaimUrl")
	defer span.End()

	link = itch.CanonicalUrl(link)
	if itch.ProfileUrl(link) == "" {
		return summary, fmt.Errorf("not an item url: %q", link)
	}

	sess, err := s.openSession(ctx)
	if err != nil {
		return summary, err
	}
	defer func() {
		s.closeSession(sess, err)
	}()

	state, err := s.loadState(sess)
	if err != nil {
		return summary, err
	}
	run, err := s.startRun(ctx, ModeClaimUrl, &summary)
	if err != nil {
		return summary, err
	}
	defer s.finishRun(ctx, run, &summary)

	rewardRun := s.newRewardRun(state, sess, nil)
	defer func() {
		_ = run.RecordSummary(context.WithoutCancel(ctx), claim.Summary{Results: rewardRun.Results()})
		err = s.flush(state, err)
	}()

	summary.Items = 1
	_, err = s.claimItem(ctx, run, sess, state, claim.Request{Item: link})
	if err != nil {
		return summary, err
	}

	_, err = rewardRun.EvaluateRewards(ctx, link)
	summary.Checks = rewardRun.Checks()
	if itch.IsFatal(err) {
		return summary, err
	}
	if err != nil {
		s.tel.ReportBroken(report_service_claim, err, link)
	}
	return summary, nil
}

// RefreshLibrary reloads the owned items of the account.
func (s Service) RefreshLibrary(ctx context.Context) (summary Summary, err error) {
	ctx, span := tracer.Start(ctx, "RefreshLibrary")
	defer span.End()

	sess, err := s.openSession(ctx)
	if err != nil {
		return summary, err
	}
	defer func() {
		s.closeSession(sess, err)
	}()

	run, err := s.startRun(ctx, ModeRefreshLibrary, &summary)
	if err != nil {
		return summary, err
	}
	defer s.finishRun(ctx, run, &summary)

	err = s.sessions.RefreshLibrary(ctx, sess)
	summary.Items = sess.Owned.Len()
	return summary, err
}
