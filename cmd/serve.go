package cmd

import (
	"github.com/spf13/cobra"

	"github.com/whalelabs/whale/internal/gateway"
)

func serveCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway for remote clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cfg, cleanup, err := buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if host != "" {
				cfg.Gateway.Host = host
			}
			if port > 0 {
				cfg.Gateway.Port = port
			}

			srv := gateway.NewServer(cfg, eng)
			return srv.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "bind host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "bind port (default from config)")
	return cmd
}
