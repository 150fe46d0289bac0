package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/dandiarchive/blobstore/internal/client/config"
	"github.com/dandiarchive/blobstore/internal/client/uploader"
	"github.com/dandiarchive/blobstore/internal/workerpool"
)

type clientFlags struct {
	serverURL   string
	concurrency int
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.serverURL, "server", "", "blob store API base URL")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "parts uploaded at the same time")
}

// loadClientConfig applies defaults, the client config file and the flags.
func loadClientConfig(opts *rootOptions, f *clientFlags) (*config.Config, error) {
	cfg, err := config.Load(opts.clientConfig)
	if err != nil {
		return nil, err
	}
	if f.serverURL != "" {
		cfg.ServerURL = f.serverURL
	}
	if f.concurrency != 0 {
		cfg.Concurrency = f.concurrency
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newUploadCommand(opts *rootOptions) *cobra.Command {
	var (
		flags     clientFlags
		dataset   string
		embargoed bool
	)

	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload files through the multipart upload protocol",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if embargoed && dataset == "" {
				return errors.New("--embargoed requires --dandiset")
			}
			cfg, err := loadClientConfig(opts, &flags)
			if err != nil {
				return err
			}
			client, err := uploader.NewClient(cfg.ServerURL, http.DefaultClient, cfg.RequestTimeout)
			if err != nil {
				return err
			}
			up := uploader.New(client, http.DefaultClient, workerpool.New(cfg.Concurrency), newLogger(cfg.LogLevel))

			failed := 0
			for _, path := range args {
				res, err := up.Upload(cmd.Context(), path, uploader.Options{Dataset: dataset, Embargoed: embargoed})
				if err != nil {
					failed++
					cmd.PrintErrf("%s: %v\n", path, err)
					continue
				}
				state := "uploaded"
				if res.Existing {
					state = "exists"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", path, res.BlobID, res.ETag, state)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&dataset, "dandiset", "", "dataset the files belong to")
	cmd.Flags().BoolVar(&embargoed, "embargoed", false, "store the files in the embargo bucket")
	return cmd
}

func newLookupCommand(opts *rootOptions) *cobra.Command {
	var (
		flags  clientFlags
		sha256 bool
	)

	cmd := &cobra.Command{
		Use:   "lookup DIGEST",
		Short: "Find a public blob by dandi-etag, or by sha256 with --sha256",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig(opts, &flags)
			if err != nil {
				return err
			}
			client, err := uploader.NewClient(cfg.ServerURL, http.DefaultClient, cfg.RequestTimeout)
			if err != nil {
				return err
			}

			digest := uploader.Digest{Algorithm: uploader.AlgorithmETag, Value: args[0]}
			if sha256 {
				digest.Algorithm = uploader.AlgorithmSHA256
			}
			blob, err := lookup(cmd.Context(), client, digest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%d\n", blob.UUID, blob.ETag, blob.SHA256, blob.Size)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&sha256, "sha256", false, "the digest is a sha256")
	return cmd
}

func lookup(ctx context.Context, c *uploader.Client, d uploader.Digest) (*uploader.Blob, error) {
	blob, err := c.Lookup(ctx, d)
	var apiErr *uploader.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no public blob with %s %s", d.Algorithm, d.Value)
	}
	return blob, err
}
