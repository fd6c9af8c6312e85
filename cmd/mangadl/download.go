package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lanyeeee/mangadl-go/internal/events"
	"github.com/lanyeeee/mangadl-go/internal/scheduler"
)

var downloadCmd = &cobra.Command{
	Use:   "download [comic-id]",
	Short: "Download every chapter (and bonus gallery, with --bonus) of a comic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var comicID int64
		if _, err := fmt.Sscanf(args[0], "%d", &comicID); err != nil {
			return fmt.Errorf("invalid comic id %q: %w", args[0], err)
		}
		includeBonus, _ := cmd.Flags().GetBool("bonus")

		comic, err := env.client.GetComic(cmd.Context(), comicID)
		if err != nil {
			return fmt.Errorf("fetching comic %d: %w", comicID, err)
		}
		if len(comic.Episodes) == 0 {
			fmt.Println("comic has no chapters")
			return nil
		}

		sub := env.bus.SubscribeAll()
		pending := make(map[int64]string, len(comic.Episodes))
		var submitErrs []error

		for _, ep := range comic.Episodes {
			if ep.IsLocked {
				continue
			}
			pending[ep.ID] = ep.Title
			if err := env.sched.Submit(scheduler.NewChapterItem(*comic, ep)); err != nil {
				submitErrs = append(submitErrs, fmt.Errorf("submitting %q: %w", ep.Title, err))
				delete(pending, ep.ID)
			}
		}
		if includeBonus {
			for _, item := range comic.AlbumPlus.Items {
				pending[item.ID] = item.Title
				if err := env.sched.Submit(scheduler.NewBonusItem(comic.Title, item)); err != nil {
					submitErrs = append(submitErrs, fmt.Errorf("submitting bonus %q: %w", item.Title, err))
					delete(pending, item.ID)
				}
			}
		}
		for _, err := range submitErrs {
			fmt.Println("warning:", err)
		}
		if len(pending) == 0 {
			return fmt.Errorf("nothing was submitted to the scheduler")
		}

		failures := 0
		for len(pending) > 0 {
			evt, ok := <-sub
			if !ok {
				break
			}
			switch e := evt.(type) {
			case events.EpisodeStartEvent:
				if title, tracked := pending[e.EpisodeID]; tracked {
					fmt.Printf("start  %-30s total=%d\n", title, e.Total)
				}
			case events.ImageErrorEvent:
				if _, tracked := pending[e.EpisodeID]; tracked {
					fmt.Printf("  image error: %s\n", e.ErrMsg)
				}
			case events.SpeedUpdateEvent:
				fmt.Printf("speed  %s\n", e.Speed)
			case events.EpisodeEndEvent:
				title, tracked := pending[e.EpisodeID]
				if !tracked {
					continue
				}
				delete(pending, e.EpisodeID)
				if e.ErrMsg != "" {
					failures++
					fmt.Printf("end    %-30s FAILED: %s\n", title, e.ErrMsg)
				} else {
					fmt.Printf("end    %-30s ok\n", title)
				}
			}
		}

		if failures > 0 {
			return fmt.Errorf("%d of %d items failed", failures, len(comic.Episodes))
		}
		return nil
	},
}

func init() {
	downloadCmd.Flags().Bool("bonus", false, "also download the comic's bonus/特典 gallery")
}
