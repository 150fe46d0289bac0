package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dandiarchive/blobstore/internal/client/client"
)

func newHealthCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the readiness the server reports on its gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewHealthClient(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Check(cmd.Context(), client.ServiceName, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.String())
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("server is %s", st)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "grpc", "127.0.0.1:50051", "host:port of the gRPC health endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "deadline of the check")
	return cmd
}
