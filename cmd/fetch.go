package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/MimeLyc/subcache/internal/extract"
	"github.com/MimeLyc/subcache/internal/service"
	"github.com/MimeLyc/subcache/internal/subtitle"
	"github.com/spf13/cobra"
)

type fetchOptions struct {
	lang       string
	cookieFile string
	srt        bool
	noStore    bool
}

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch <video-url>",
		Short: "Fetch one video's subtitles through the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if opts.noStore {
				return runFetch(cmd.Context(), newEphemeralFetcher(cfg), args[0], opts, cmd.OutOrStdout())
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return runFetch(cmd.Context(), a.fetcher, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.lang, "lang", "", "Subtitle language (default DEFAULT_LANG)")
	cmd.Flags().StringVar(&opts.cookieFile, "cookies", "", "Netscape cookie file for signed-in access")
	cmd.Flags().BoolVar(&opts.srt, "srt", false, "Print SubRip instead of JSON")
	cmd.Flags().BoolVar(&opts.noStore, "no-store", false, "Skip the database and keep nothing after exit")
	return cmd
}

type subtitleFetcher interface {
	Fetch(ctx context.Context, req service.FetchRequest) (*service.FetchResult, error)
}

func runFetch(ctx context.Context, fetcher subtitleFetcher, url string, opts fetchOptions, out io.Writer) error {
	req := service.FetchRequest{URL: url, Lang: opts.lang}
	if opts.cookieFile != "" {
		req.Credentials = &extract.Credentials{CookieFile: opts.cookieFile}
	}
	res, err := fetcher.Fetch(ctx, req)
	if err != nil {
		if svcErr := service.Classify(err); svcErr != nil {
			return fmt.Errorf("%w (%s)", err, service.Advice(svcErr.Type))
		}
		return err
	}
	if opts.srt {
		return subtitle.WriteSRT(out, res.Cues)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
