package main

import (
	"encoding/json"

	"github.com/pingcap-incubator/tinycatalog/kv/storage"
	"github.com/pingcap-incubator/tinycatalog/kv/storage/persistence"
	"github.com/spf13/cobra"
)

func newHeadersCommand(open func() (storage.Storage, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "headers",
		Short: "List the stored catalog headers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(open, func(store storage.Storage) error {
				headers, err := persistence.ListHeaders(store)
				if err != nil {
					return err
				}
				for _, h := range headers {
					printf(cmd, "%s\t%s\t%s\tversion=%d\tcollections=%d\tobsolete=%d\n", h.Name, h.CatalogID, h.State,
						h.Version, len(h.Collections), len(h.ObsoleteCollections))
				}
				return nil
			})
		},
	}
}

func newWalCommand(open func() (storage.Storage, error)) *cobra.Command {
	var from uint64
	var verbose bool
	m := &cobra.Command{
		Use:   "wal catalog",
		Short: "Dump the WAL of a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(open, func(store storage.Storage) error {
				return persistence.ReadWal(store, args[0], from, func(r *persistence.WalRecord) error {
					printf(cmd, "%d\t%s\t%s\tmutations=%d\n", r.Version, r.TransactionID,
						r.CommitTime.Format("2006-01-02 15:04:05.000"), len(r.Payload))
					if !verbose {
						return nil
					}
					for _, raw := range r.Payload {
						printf(cmd, "\t%s\n", raw)
					}
					return nil
				})
			})
		},
	}
	m.Flags().Uint64Var(&from, "from", 0, "first catalog version to dump")
	m.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every logged mutation")
	return m
}

func newEngineWalCommand(open func() (storage.Storage, error)) *cobra.Command {
	var from uint64
	var asJSON bool
	m := &cobra.Command{
		Use:   "engine-wal",
		Short: "Dump the structural operations logged by the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(open, func(store storage.Storage) error {
				return persistence.ReadEngineWal(store, from, func(r *persistence.EngineWalRecord) error {
					if asJSON {
						data, err := json.Marshal(r)
						if err != nil {
							return err
						}
						printf(cmd, "%s\n", data)
						return nil
					}
					printf(cmd, "%d\t%s\t%s\t%s\n", r.Seq, r.Op, r.Catalog, r.Target)
					return nil
				})
			})
		},
	}
	m.Flags().Uint64Var(&from, "from", 0, "first sequence number to dump")
	m.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return m
}
