// Package main implements legalmcpd, the legal-document MCP server.
//
// The daemon speaks MCP over stdio and is normally launched by an MCP
// client. Bulk corpus ingestion and catalog inspection run as one-shot
// subcommands against the same configuration.
//
// Usage:
//
//	# Serve MCP over stdio
//	legalmcpd serve
//
//	# Bulk-ingest a corpus directory
//	legalmcpd ingest-corpus --dir ./corpus/de-federal
//
//	# List configured catalog sources
//	legalmcpd catalog
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/legalmcp/internal/catalog"
	"github.com/fyrsmithlabs/legalmcp/internal/config"
	"github.com/fyrsmithlabs/legalmcp/internal/ingest"
	"github.com/fyrsmithlabs/legalmcp/internal/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath   string
	adminEnabled bool
	withRenderer bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "legalmcpd",
	Short:         "Legal-document retrieval MCP server",
	Long:          "legalmcpd serves legal-corpus and tenant-document search tools over the Model Context Protocol.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/legalmcp/config.yaml)")
	serveCmd.Flags().BoolVar(&adminEnabled, "admin", false, "register admin cache tools")
	serveCmd.Flags().BoolVar(&withRenderer, "renderer", false, "enable the headless browser renderer for fetch_law_page")

	ingestCorpusCmd.Flags().String("dir", "", "corpus root directory (required)")
	ingestCorpusCmd.Flags().String("jurisdiction", "", "jurisdiction tag for every chunk")
	ingestCorpusCmd.Flags().Int("max-laws", 0, "cap on law directories, 0 means all")
	ingestCorpusCmd.Flags().Int("max-norms", 0, "cap on files per law directory, 0 means all")
	ingestCorpusCmd.Flags().Bool("resume", false, "skip documents whose first chunk already exists")
	_ = ingestCorpusCmd.MarkFlagRequired("dir")

	rootCmd.AddCommand(serveCmd, ingestCorpusCmd, catalogCmd, versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over stdio until SIGINT or SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		srv, err := server.New(ctx, cfg, version, server.Options{
			AdminEnabled: adminEnabled,
			WithRenderer: withRenderer,
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

var ingestCorpusCmd = &cobra.Command{
	Use:   "ingest-corpus",
	Short: "Bulk-ingest a prepared corpus directory into the shared collection",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		srv, err := server.New(ctx, cfg, version, server.Options{})
		if err != nil {
			return err
		}
		defer srv.Close(context.Background())

		dir, _ := cmd.Flags().GetString("dir")
		jurisdiction, _ := cmd.Flags().GetString("jurisdiction")
		maxLaws, _ := cmd.Flags().GetInt("max-laws")
		maxNorms, _ := cmd.Flags().GetInt("max-norms")
		resume, _ := cmd.Flags().GetBool("resume")

		result, err := srv.Ingest().IngestCorpus(ctx, ingest.CorpusOptions{
			Dir:            dir,
			Jurisdiction:   jurisdiction,
			MaxLaws:        maxLaws,
			MaxNormsPerLaw: maxNorms,
			Resume:         resume,
		})
		if err != nil {
			return fmt.Errorf("corpus ingestion: %w", err)
		}

		srv.Logger().Underlying().Info("corpus ingestion finished",
			zap.Int("laws_processed", result.LawsProcessed),
			zap.Int("norms_processed", result.NormsProcessed),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "laws processed:  %d\nnorms processed: %d\n",
			result.LawsProcessed, result.NormsProcessed)
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List configured catalog sources and their document counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := config.LoadWithFile(configPath)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if len(cfg.Catalog.Sources) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no catalog sources configured")
			return nil
		}

		sources := make([]catalog.Source, 0, len(cfg.Catalog.Sources))
		for _, src := range cfg.Catalog.Sources {
			sources = append(sources, catalog.Source{Name: src.Name, Path: src.Path, Version: src.Version})
		}
		registry, err := catalog.OpenRegistry(sources, zap.NewNop())
		if err != nil {
			return fmt.Errorf("opening catalogs: %w", err)
		}
		defer registry.Close()

		for _, name := range registry.ListSources() {
			store, err := registry.Get(name)
			if err != nil {
				return err
			}
			listing, err := store.ListAvailable(ctx, "", 0, 1)
			if err != nil {
				return fmt.Errorf("listing %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tversion=%s\tdocuments=%d\n",
				name, listing.CatalogVersion, listing.CountTotal)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "legalmcpd\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n",
			version, gitCommit, buildDate)
	},
}
