package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/jobs"
	"github.com/MimeLyc/subcache/internal/service"
	"github.com/MimeLyc/subcache/pkg/log"
	"github.com/spf13/cobra"
)

type batchOptions struct {
	maxItems   int
	lang       string
	cookieFile string
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var opts batchOptions
	cmd := &cobra.Command{
		Use:   "batch <channel-url>",
		Short: "Cache the subtitles of a channel's most recent videos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if opts.maxItems == 0 {
				opts.maxItems = cfg.Jobs.DefaultMaxItems
			}
			if opts.lang == "" {
				opts.lang = cfg.Jobs.DefaultLang
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return runBatch(cmd.Context(), a.manager, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVarP(&opts.maxItems, "max-items", "n", 0, "Number of recent videos to process (default BATCH_DEFAULT_MAX_ITEMS)")
	cmd.Flags().StringVar(&opts.lang, "lang", "", "Subtitle language (default DEFAULT_LANG)")
	cmd.Flags().StringVar(&opts.cookieFile, "cookies", "", "Netscape cookie file for signed-in access")
	return cmd
}

type batchRunner interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.BatchJob, error)
	Wait(ctx context.Context, id string) (*jobs.BatchJob, error)
}

func runBatch(ctx context.Context, runner batchRunner, channelURL string, opts batchOptions, out io.Writer) error {
	lang, err := service.NormalizeLang(opts.lang, "en")
	if err != nil {
		return err
	}
	req := jobs.SubmitRequest{
		ChannelURL: channelURL,
		MaxItems:   opts.maxItems,
		Lang:       lang,
		Source:     jobs.SourceCLI,
	}
	if opts.cookieFile != "" {
		req.Credentials = &extract.Credentials{CookieFile: opts.cookieFile}
	}

	job, err := runner.Submit(ctx, req)
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		return fmt.Errorf("submit batch: %w", err)
	}
	log.Info("Batch job %s started for %s", job.ID, channelURL)

	final, err := runner.Wait(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("wait for job %s: %w", job.ID, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return err
	}
	if final.Status != jobs.StatusCompleted {
		return fmt.Errorf("job %s ended %s: %s", final.ID, final.Status, final.Error)
	}
	return nil
}
