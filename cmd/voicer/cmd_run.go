package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voicer/internal/config"
	"github.com/skypro1111/voicer/internal/output"
	"github.com/skypro1111/voicer/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <audio-file>...",
		Short: "Transcribe one or more audio files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runFiles,
	}
	c.Flags().StringP("scenario", "s", "", "Scenario description placed at the top of every prompt")
	c.Flags().StringP("output-dir", "o", "", "Directory for transcripts (default: next to each input)")
	c.Flags().StringSlice("format", nil, "Output formats: txt, srt, json (repeatable)")
	c.Flags().String("language", "", "Recognition language, e.g. zh or en")
	c.Flags().IntP("parallel", "p", 1, "Number of files processed at the same time")
	c.Flags().Bool("no-save", false, "Print transcripts without writing files")

	c.Flags().Float64("vad-threshold", 0, "Speech probability threshold (default: vad.threshold)")
	c.Flags().Float64("min-speech-duration", 0, "Shortest speech run kept, in seconds (default: vad.min_speech_duration)")
	c.Flags().Float64("min-silence-duration", 0, "Shortest pause used as a split point, in seconds (default: segment.min_silence_for_split)")
	c.Flags().Float64("max-segment-duration", 0, "Longest segment sent for recognition, in seconds (default: segment.max_duration)")
	c.Flags().Int("max-context-tokens", 0, "Token budget of the context prompt (default: context.max_tokens)")
	c.Flags().String("model", "", "Recognition model (default: asr.model)")
	c.Flags().Bool("enable-itn", false, "Inverse text normalization, DashScope only (default: asr.enable_itn)")
	c.Flags().Bool("enable-lid", false, "Language identification, DashScope only (default: asr.enable_lid)")
	return c
}

func runFiles(cmd *cobra.Command, args []string) error {
	parallel, _ := cmd.Flags().GetInt("parallel")
	if parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", parallel)
	}

	a, err := newApp(cmd, nil, func(cfg *config.Config) error {
		return applyRunOverrides(cmd, cfg)
	})
	if err != nil {
		return err
	}
	defer a.Close()

	scenario, _ := cmd.Flags().GetString("scenario")
	if scenario == "" {
		scenario = a.cfg.Context.Scenario
	}

	ctx, stop := runContext(cmd)
	defer stop()

	if err := a.checkTools(ctx); err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*pipeline.Result, len(args))
		errs    = make(map[string]error)
	)

	// Runs never return errors to the group so one failed file does not
	// cancel the others; a signal cancels all of them through ctx.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, input := range args {
		g.Go(func() error {
			logger := a.logger.With(slog.String("input", input))
			result, err := a.pipeline.Run(gctx, input, scenario, func(p pipeline.Progress) {
				logger.Info("Progress",
					slog.String("stage", string(p.Stage)),
					slog.Float64("percent", p.Percent),
					slog.String("message", p.Message))
			})

			mu.Lock()
			defer mu.Unlock()
			results[input] = result
			if err != nil {
				errs[input] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	printSummary(cmd.OutOrStdout(), args, results, errs, !a.cfg.Output.Save)

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d files failed", len(errs), len(args))
	}
	return nil
}

func applyRunOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if dir, _ := cmd.Flags().GetString("output-dir"); dir != "" {
		cfg.Output.Dir = dir
	}
	if formats, _ := cmd.Flags().GetStringSlice("format"); len(formats) > 0 {
		normalized, err := output.NormalizeFormats(formats)
		if err != nil {
			return fmt.Errorf("--format: %w", err)
		}
		cfg.Output.Formats = normalized
	}
	if lang, _ := cmd.Flags().GetString("language"); lang != "" {
		cfg.ASR.Language = lang
	}
	if noSave, _ := cmd.Flags().GetBool("no-save"); noSave {
		cfg.Output.Save = false
	}

	// unset tuning flags keep the configured values
	flags := cmd.Flags()
	if flags.Changed("vad-threshold") {
		cfg.VAD.Threshold, _ = flags.GetFloat64("vad-threshold")
	}
	if flags.Changed("min-speech-duration") {
		cfg.VAD.MinSpeechDuration, _ = flags.GetFloat64("min-speech-duration")
	}
	if flags.Changed("min-silence-duration") {
		cfg.Segment.MinSilenceForSplit, _ = flags.GetFloat64("min-silence-duration")
	}
	if flags.Changed("max-segment-duration") {
		cfg.Segment.MaxDuration, _ = flags.GetFloat64("max-segment-duration")
	}
	if flags.Changed("max-context-tokens") {
		cfg.Context.MaxTokens, _ = flags.GetInt("max-context-tokens")
	}
	if model, _ := flags.GetString("model"); model != "" {
		cfg.ASR.Model = model
	}
	if flags.Changed("enable-itn") {
		cfg.ASR.EnableITN, _ = flags.GetBool("enable-itn")
	}
	if flags.Changed("enable-lid") {
		cfg.ASR.EnableLID, _ = flags.GetBool("enable-lid")
	}
	return nil
}

func printSummary(w io.Writer, inputs []string, results map[string]*pipeline.Result, errs map[string]error, printText bool) {
	sorted := append([]string(nil), inputs...)
	sort.Strings(sorted)

	for _, input := range sorted {
		result := results[input]
		if result == nil {
			fmt.Fprintf(w, "%s: not processed\n", input)
			continue
		}

		fmt.Fprintf(w, "%s: %s, %d/%d segments ok (%.0f%%), %d tokens, %s\n",
			input, result.State,
			countSucceeded(result), result.SegmentCount, result.SuccessRate*100,
			result.TotalTokens, result.Elapsed.Round(time.Millisecond))

		if err := errs[input]; err != nil {
			fmt.Fprintf(w, "  error: %v\n", err)
		}

		formats := make([]string, 0, len(result.OutputFiles))
		for format := range result.OutputFiles {
			formats = append(formats, format)
		}
		sort.Strings(formats)
		for _, format := range formats {
			fmt.Fprintf(w, "  %s: %s\n", format, result.OutputFiles[format])
		}

		if printText && result.Text != "" {
			fmt.Fprintf(w, "\n%s\n\n", result.Text)
		}
	}
}

func countSucceeded(result *pipeline.Result) int {
	n := 0
	for _, o := range result.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// runContext is the context used by long running commands
func runContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
