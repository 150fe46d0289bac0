package cli

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dandiarchive/blobstore/internal/server"
	"github.com/dandiarchive/blobstore/internal/server/config"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/server/services"
)

type BlobAdmin interface {
	Verify(ctx context.Context, id string) error
	CalculateSHA256(ctx context.Context, id string) (string, error)
}

type Migrator interface {
	UnembargoBlob(ctx context.Context, id string) (*models.Blob, error)
	UnembargoDataset(ctx context.Context, dataset string) (*services.DatasetResult, error)
	ClearEmbargoTag(ctx context.Context, id string) error
}

type UploadCollector interface {
	CollectExpired(ctx context.Context, now time.Time) (int, error)
}

// admin is the server-side machinery administrative commands run against.
type admin struct {
	blobs     BlobAdmin
	migration Migrator
	uploads   UploadCollector
	close     func() error
}

// openAdmin is a seam for tests.
var openAdmin = func(ctx context.Context, opts *rootOptions) (*admin, error) {
	cfg, err := config.Load(opts.serverConfig)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	c, err := server.NewComponents(ctx, cfg, newLogger(level))
	if err != nil {
		return nil, err
	}
	return &admin{blobs: c.Blobs, migration: c.Migration, uploads: c.Uploads, close: c.Close}, nil
}

// withAdmin opens the components for the duration of fn.
func withAdmin(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *admin) error) (err error) {
	ctx := cmd.Context()
	a, err := openAdmin(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, a)
}

// eachID runs fn for every id and reports how many failed.
func eachID(cmd *cobra.Command, ids []string, fn func(id string) error) error {
	failed := 0
	for _, id := range ids {
		if err := fn(id); err != nil {
			failed++
			cmd.PrintErrf("%s: %v\n", id, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d blobs failed", failed, len(ids))
	}
	return nil
}

func newUnembargoCommand(opts *rootOptions) *cobra.Command {
	var dataset bool

	cmd := &cobra.Command{
		Use:   "unembargo [--dataset] ID...",
		Short: "Move embargoed blobs, or every embargoed blob of a dataset, to the public bucket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, a *admin) error {
				if dataset {
					return unembargoDatasets(cmd, a, args)
				}
				return eachID(cmd, args, func(id string) error {
					blob, err := a.migration.UnembargoBlob(ctx, id)
					if err != nil {
						return err
					}
					if blob.ID != id {
						fmt.Fprintf(cmd.OutOrStdout(), "%s folded into %s\n", id, blob.ID)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s unembargoed\n", id)
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().BoolVar(&dataset, "dataset", false, "arguments are dataset identifiers")
	return cmd
}

func unembargoDatasets(cmd *cobra.Command, a *admin, datasets []string) error {
	var errs []error
	for _, ds := range datasets {
		res, err := a.migration.UnembargoDataset(cmd.Context(), ds)
		if res != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d migrated, %d folded, %d failed\n", ds, res.Migrated, res.Folded, len(res.Failed))
			ids := make([]string, 0, len(res.Failed))
			for id := range res.Failed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				cmd.PrintErrf("  %s: %v\n", id, res.Failed[id])
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newClearTagCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-tag ID...",
		Short: "Remove the embargo tag from the objects of public blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, a *admin) error {
				return eachID(cmd, args, func(id string) error {
					return a.migration.ClearEmbargoTag(ctx, id)
				})
			})
		},
	}
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify ID...",
		Short: "Check stored objects against the size and etag of their records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, a *admin) error {
				return eachID(cmd, args, func(id string) error {
					if err := a.blobs.Verify(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", id)
					return nil
				})
			})
		},
	}
}

func newSHA256Command(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sha256 ID...",
		Short: "Compute and record the sha256 of stored blobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, a *admin) error {
				return eachID(cmd, args, func(id string) error {
					sum, err := a.blobs.CalculateSHA256(ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, sum)
					return nil
				})
			})
		},
	}
}

func newGCUploadsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc-uploads",
		Short: "Abort upload sessions older than the upload expiration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, opts, func(ctx context.Context, a *admin) error {
				n, err := a.uploads.CollectExpired(ctx, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d expired uploads removed\n", n)
				return nil
			})
		},
	}
}
