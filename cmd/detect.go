package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facecanvas/internal/overlay"
	"github.com/andresmejia3/facecanvas/internal/playback"
	"github.com/andresmejia3/facecanvas/internal/utils"
	"github.com/spf13/cobra"
)

var (
	detectOpts   Options
	detectAt     time.Duration
	detectOutput string
	detectJSON   bool
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect faces in a single frame and write the composited image",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runDetect(cmd.Context(), detectOpts)
	},
}

func init() {
	detectCmd.Flags().StringVarP(&detectOpts.InputPath, "input", "i", "", "Path to video")
	detectCmd.Flags().DurationVar(&detectAt, "at", 0, "Position of the frame to analyze")
	detectCmd.Flags().StringVarP(&detectOutput, "output", "o", "", "Write the frame with its overlay to this file (.png or .jpg)")
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Print the shapes as JSON instead of a table")
	detectCmd.Flags().StringVar(&detectOpts.Color, "color", "green", "Rectangle stroke color (name or #rrggbb)")
	detectCmd.Flags().IntVar(&detectOpts.Stroke, "stroke", 2, "Rectangle stroke width in pixels")
	addDetectionFlags(detectCmd, &detectOpts)

	detectCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, opts Options) error {
	// Polling settings are irrelevant for a single pass but must still validate
	opts.Interval = cfg.Interval
	pcfg, err := validatePlayFlags(&opts)
	if err != nil {
		return err
	}
	if detectAt < 0 {
		err := fmt.Errorf("must be >= 0, got %s", detectAt)
		utils.ShowError("Invalid frame position", err, nil)
		return err
	}
	ext := strings.ToLower(filepath.Ext(detectOutput))
	if detectOutput != "" && ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		err := fmt.Errorf("unsupported extension %q", ext)
		utils.ShowError("Output must be a .png or .jpg file", err, nil)
		return err
	}

	det, err := newDetector(opts)
	if err != nil {
		utils.ShowError("Configuration Error", err, nil)
		return err
	}
	defer det.Close()

	session := playback.New(det, pcfg)
	defer session.Close()

	if err := session.Load(ctx, opts.InputPath); err != nil {
		utils.ShowError("Unable to open video", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "🔍 Running %s detector at %s...\n", det.Name(), fmtTime(detectAt.Seconds()))
	shapes, err := session.DetectOnce(ctx, detectAt)
	if err != nil {
		utils.ShowError("Detection failed", err, nil)
		return err
	}

	if detectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(shapes); err != nil {
			return err
		}
	} else {
		printShapes(shapes)
	}

	if detectOutput == "" {
		return nil
	}
	if err := writeComposite(session, detectOutput, ext); err != nil {
		utils.ShowError("Unable to write output image", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "✅ Wrote %s\n", detectOutput)
	return nil
}

func printShapes(shapes []overlay.Shape) {
	if len(shapes) == 0 {
		fmt.Println("No faces found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tX\tY\tWIDTH\tHEIGHT")
	fmt.Fprintln(w, "-\t-\t-\t-----\t------")
	for i, s := range shapes {
		fmt.Fprintf(w, "%d\t%.1f\t%.1f\t%.1f\t%.1f\n", i+1, s.X, s.Y, s.Width, s.Height)
	}
	w.Flush()
}

func writeComposite(session *playback.Session, path, ext string) error {
	frame, _ := session.Frame()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if ext == ".png" {
		err = session.Canvas().EncodePNG(f, frame)
	} else {
		err = session.Canvas().EncodeJPEG(f, frame, 90)
	}
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
