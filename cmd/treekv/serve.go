package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"govetachun/treekv/internal/config"
	"govetachun/treekv/internal/logging"
	"govetachun/treekv/internal/server"
)

func newServeCmd() *cobra.Command {
	var dataDir string
	var options string
	var mapNames []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "open the named maps and block until interrupted, persisting on shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Parse(options)
			if err != nil {
				return err
			}
			if dataDir != "" {
				if err := os.MkdirAll(dataDir, 0o755); err != nil {
					return err
				}
			}

			log := logging.New("cmd.serve")
			srv, err := server.New(dataDir, cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := srv.Close(); err != nil {
					log.WithError(err).Error("error while closing server")
				}
			}()

			for _, name := range mapNames {
				if _, err := srv.OpenMap(name); err != nil {
					return err
				}
				log.WithField("map", name).Info("map opened")
			}

			log.WithField("data_dir", dataDir).Info("treekv serving, press ctrl-c to stop")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			log.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data", "./data", "directory holding each map's page-store file")
	cmd.Flags().StringVar(&options, "config", "", "ampersand-separated option string, e.g. isShardingMode=true&initReplicationNodes=a:9000;b:9000")
	cmd.Flags().StringSliceVar(&mapNames, "map", []string{"default"}, "map names to open on startup")
	return cmd
}
