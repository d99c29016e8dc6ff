package commands

import (
	"context"
	"fmt"

	"itchclaim/internal/service"

	"github.com/spf13/cobra"
)

var (
	refreshSales *[]int64
	refreshStep  *int64

	claimFeedUrl *string

	salesCursor *int64
	salesLimit  *int64
	salesStep   *int64
)

func init() {
	refreshSales = refreshSaleCacheCmd.Flags().Int64Slice("sales", nil, "Only refresh these sale ids.")
	refreshStep = refreshSaleCacheCmd.Flags().Int64("step", 0, "The maximum amount of sale ids to look at, defaults to sale_step.")

	claimFeedUrl = claimCmd.Flags().String("url", "", "The feed to claim from, defaults to feed_url.")

	salesCursor = scrapeSalesCmd.Flags().Int64("page", service.ResumeCursor, "The first sale id, -1 resumes from sale-stop.txt.")
	salesLimit = scrapeSalesCmd.Flags().Int64("limit", 0, "The first sale id not scanned, 0 means no limit.")
	salesStep = scrapeSalesCmd.Flags().Int64("step", 0, "The maximum amount of sale ids to look at, defaults to sale_step.")

	rootCmd.AddCommand(
		refreshSaleCacheCmd,
		refreshLibraryCmd,
		claimCmd,
		claimUrlCmd,
		scrapeSalesCmd,
		scrapeRewardsCmd,
		scrapeRewardsOwnedCmd,
		claimRewardsCmd,
	)
}

var refreshSaleCacheCmd = &cobra.Command{
	Use:   "refresh-sale-cache [--sales <id,...>] [--step <n>]",
	Short: "Scans new sales without logging in and rewrites the feed in the data directory.",
	Args:  cobra.NoArgs,
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		return svc.RefreshSaleCache(ctx, service.RefreshOptions{
			Sales: *refreshSales,
			Step:  *refreshStep,
		})
	}),
}

var refreshLibraryCmd = &cobra.Command{
	Use:   "refresh-library",
	Short: "Reloads the items the account owns.",
	Args:  cobra.NoArgs,
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		return svc.RefreshLibrary(ctx)
	}),
}

var claimCmd = &cobra.Command{
	Use:   "claim [--url <feed>]",
	Short: "Claims every unowned claimable item of the feed.",
	Args:  cobra.NoArgs,
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		return svc.Claim(ctx, *claimFeedUrl)
	}),
}

var claimUrlCmd = &cobra.Command{
	Use:   "claim-url <url>",
	Short: "Claims a single item and its free community copies.",
	Args:  cobra.ExactArgs(1),
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		return svc.ClaimUrl(ctx, args[0])
	}),
}

var scrapeSalesCmd = &cobra.Command{
	Use:   "scrape-sales [--page <id>] [--limit <id>] [--step <n>]",
	Short: "Claims free listed items and the items of running sales, scanning sale ids from the saved cursor.",
	Args:  cobra.NoArgs,
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		if *salesCursor < service.ResumeCursor {
			return service.Summary{}, fmt.Errorf("invalid page %d", *salesCursor)
		}
		return svc.ScrapeSales(ctx, service.SalesOptions{
			Cursor: *salesCursor,
			Limit:  *salesLimit,
			Step:   *salesStep,
		})
	}),
}

var scrapeRewardsCmd = &cobra.Command{
	Use:   "scrape-rewards",
	Short: "Walks creator profiles starting from collections.txt and claims free community copies.",
	Args:  cobra.NoArgs,
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		return svc.ScrapeRewards(ctx)
	}),
}

var scrapeRewardsOwnedCmd = &cobra.Command{
	Use:   "scrape-rewards-owned",
	Short: "Scans the profiles of authors the account owns something from.",
	Args:  cobra.NoArgs,
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		return svc.ScrapeRewardsOwned(ctx)
	}),
}

var claimRewardsCmd = &cobra.Command{
	Use:   "claim-rewards",
	Short: "Checks the items in active.txt again and claims community copies that became available.",
	Args:  cobra.NoArgs,
	RunE: runMode(func(ctx context.Context, svc service.Service, args []string) (service.Summary, error) {
		return svc.ClaimRewards(ctx)
	}),
}
