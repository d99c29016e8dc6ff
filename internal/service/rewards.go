package service

import (
	"context"

	"itchclaim/internal/checkpoint"
	"itchclaim/internal/claim"
	"itchclaim/internal/rewards"
)

const report_service_rewards = "rewards"

// runRewards opens everything a reward mode needs, runs scan and persists
// the state and the claims it made whatever scan returns.
func (s Service) runRewards(ctx context.Context, mode string, collections []string, scan func(ctx context.Context, run *rewards.Run) error) (summary Summary, err error) {
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
	run, err := s.startRun(ctx, mode, &summary)
	if err != nil {
		return summary, err
	}
	defer s.finishRun(ctx, run, &summary)

	rewardRun := s.newRewardRun(state, sess, collections)
	defer func() {
		summary.Checks = rewardRun.Checks()
		summary.Items = len(rewardRun.Results())
		// failures are reported by the ledger
		_ = run.RecordSummary(context.WithoutCancel(ctx), claim.Summary{Results: rewardRun.Results()})
		err = s.flush(state, err)
		s.tel.ReportInfo(
			report_service_rewards,
			"checks", rewardRun.Checks(),
			"discovered", rewardRun.Discovered().Len(),
			"active", state.Active.Len(),
		)
	}()

	return summary, scan(ctx, rewardRun)
}

// ScrapeRewards walks creator profiles looking for free community copies,
// starting from the collections listed in collections.txt. A missing
// collections.txt stops the mode before logging in.
func (s Service) ScrapeRewards(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "ScrapeRewards")
	defer span.End()

	collections, err := s.store.ReadSeedList(checkpoint.FileCollections)
	if err != nil {
		return Summary{Mode: ModeScrapeRewards}, err
	}
	return s.runRewards(ctx, ModeScrapeRewards, collections, func(ctx context.Context, run *rewards.Run) error {
		return run.Traverse(ctx)
	})
}

// ScrapeRewardsOwned scans the profiles of every author the account owns
// something from.
func (s Service) ScrapeRewardsOwned(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "ScrapeRewardsOwned")
	defer span.End()

	return s.runRewards(ctx, ModeScrapeRewardsOwned, nil, func(ctx context.Context, run *rewards.Run) error {
		return run.ScanOwnedAuthors(ctx)
	})
}

// ClaimRewards evaluates the active items again and claims the community
// copies that became available.
func (s Service) ClaimRewards(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "ClaimRewards")
	defer span.End()

	return s.runRewards(ctx, ModeClaimRewards, nil, func(ctx context.Context, run *rewards.Run) error {
		return run.ClaimActive(ctx)
	})
}
