package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facecanvas/internal/utils"
	"github.com/spf13/cobra"
)

var (
	historyVideo string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:         "history",
	Short:       "List recorded playback sessions",
	Annotations: map[string]string{annotationRequiresDB: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		videoID := historyVideo
		if videoID != "" && fileExists(videoID) {
			// Accept a path as well as an ID
			id, err := utils.GenerateVideoID(videoID)
			if err != nil {
				utils.ShowError("Unable to fingerprint video", err, nil)
				return err
			}
			videoID = id
		}

		if videoID != "" {
			path, ok, err := DB.VideoPath(ctx, videoID)
			if err != nil {
				utils.ShowError("Failed to look up video", err, nil)
				return err
			}
			if !ok {
				fmt.Printf("Video %s has never been played.\n", shortID(videoID))
				return nil
			}
			fmt.Printf("📼 %s\n\n", path)
		}

		runs, err := DB.ListPlaybacks(ctx, videoID, historyLimit)
		if err != nil {
			utils.ShowError("Failed to list playback sessions", err, nil)
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No playback sessions recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SESSION\tVIDEO\tBACKEND\tSTARTED\tLENGTH\tTICKS\tFACES\tERROR")
		fmt.Fprintln(w, "-------\t-----\t-------\t-------\t------\t-----\t-----\t-----")
		for _, p := range runs {
			length := "running"
			if p.FinishedAt != nil {
				length = fmtTime(p.FinishedAt.Sub(p.StartedAt).Seconds())
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				p.ID.String()[:8], shortID(p.VideoID), p.Backend,
				p.StartedAt.Local().Format(time.DateTime), length, p.Ticks, p.Faces, p.Error)
		}
		w.Flush()
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyVideo, "video", "", "Only show sessions for this video (ID or path)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of sessions to show")
	rootCmd.AddCommand(historyCmd)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
