package main

import (
	"fmt"
	"os"

	"github.com/pingcap-incubator/tinycatalog/kv/config"
	"github.com/pingcap-incubator/tinycatalog/kv/engine"
	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/spf13/cobra"
)

var dbPath string

func openStorage() (storage.Storage, error) {
	conf := config.NewDefaultConfig()
	conf.DBPath = dbPath
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	store := engine.NewStorage(conf)
	if err := store.Start(); err != nil {
		return nil, err
	}
	return store, nil
}

func main() {
	rootCmd := newRootCommand(openStorage)
	rootCmd.PersistentFlags().StringVar(&dbPath, "path", config.NewDefaultConfig().DBPath,
		"directory of the badger engine, the server must be stopped")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(open func() (storage.Storage, error)) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tinycatalog-ctl",
		Short:        "Inspect the catalogs stored by tinycatalog",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		newHeadersCommand(open),
		newWalCommand(open),
		newEngineWalCommand(open),
	)
	return rootCmd
}

func withStorage(open func() (storage.Storage, error), fn func(store storage.Storage) error) error {
	store, err := open()
	if err != nil {
		return err
	}
	defer store.Stop()
	return fn(store)
}

func printf(cmd *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
