package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/plughost/pkg/plugins/cache"
)

func newCacheStatsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cache-stats",
		Short: "Show download and git cache usage",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			stats, err := h.CacheStats()
			if err != nil {
				return err
			}
			printStats(app.Stdout, stats)
			return nil
		},
	}
}

func newClearCacheCommand(app *App) *cobra.Command {
	var showStats bool
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Remove every cached download and clone",
		Args:  checkArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, closeHost, err := app.openHost(cmd.Context())
			if err != nil {
				return err
			}
			defer closeHost()

			if showStats {
				stats, err := h.CacheStats()
				if err != nil {
					return err
				}
				printStats(app.Stdout, stats)
			}
			if err := h.ClearCache(); err != nil {
				return err
			}
			fmt.Fprintln(app.Stdout, "Cache cleared")
			return nil
		},
	}
	cmd.Flags().BoolVar(&showStats, "stats", false, "print usage before clearing")
	return cmd
}

func printStats(w io.Writer, stats *cache.Stats) {
	fmt.Fprintf(w, "Cache root:     %s\n", stats.Root)
	fmt.Fprintf(w, "Downloads:      %s (%d entries)\n", cache.FormatSize(stats.DownloadSize), stats.DownloadEntries)
	fmt.Fprintf(w, "Git clones:     %s (%d entries)\n", cache.FormatSize(stats.GitSize), stats.GitEntries)
	fmt.Fprintf(w, "Total:          %s\n", cache.FormatSize(stats.TotalSize))
	if stats.FreeBytes > 0 {
		fmt.Fprintf(w, "Free on volume: %s\n", cache.FormatSize(int64(stats.FreeBytes)))
	}
}
