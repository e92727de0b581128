package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/liamcoop/detect/enginemanager"
	"github.com/liamcoop/detect/internal/logger"
	"github.com/liamcoop/detect/internal/wire"
	"github.com/liamcoop/detect/rules"
)

func newAnalyzeCmd(c *cli) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze one request read from stdin",
		Long: `Read one request {"rules_dir": ..., "events": [...]} from stdin, evaluate every
event against every rule under rules_dir and write {"matches": [...]} to stdout.

rules_dir may also name a database namespace as db:<namespace> when a database is configured.`,
		Example: `  echo '{"rules_dir": "rules", "events": [{"eventName": "ConsoleLogin"}]}' | detect analyze
  detect analyze --format msgpack < request.msgpack > response.msgpack`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := wire.ParseFormat(format)
			if err != nil {
				return err
			}
			codec, err := wire.CodecFor(f)
			if err != nil {
				return err
			}

			req, err := codec.DecodeRequest(cmd.InOrStdin())
			if err != nil {
				return err
			}

			manager, closeDB, err := c.manager()
			if err != nil {
				return err
			}
			defer closeDB()

			matches, err := analyze(cmd, c, manager, req)
			if err != nil {
				return err
			}
			return codec.EncodeResponse(cmd.OutOrStdout(), &wire.Response{Matches: matches})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "json", "Wire format: json or msgpack")
	cmd.Flags().Int("workers", 0, "Evaluate events on up to N goroutines (0 or 1 evaluates sequentially)")
	bindFlag(c.v, "rules.workers", cmd.Flags().Lookup("workers"))

	return cmd
}

func analyze(cmd *cobra.Command, c *cli, manager *enginemanager.Manager, req *wire.Request) ([]rules.Match, error) {
	// a local invocation may use any path unless an allow-list is configured
	if _, isNamespace := enginemanager.Namespace(req.RulesDir); isNamespace || len(c.cfg.Rules.AllowedRoots) > 0 {
		if err := enginemanager.ValidateRoot(req.RulesDir, c.cfg.Rules.AllowedRoots); err != nil {
			return nil, err
		}
	}

	engine, err := manager.Engine(req.RulesDir)
	if err != nil {
		return nil, err
	}

	logger.Debug("analyzing request", "rules_dir", req.RulesDir, "events", len(req.Events), "rules", engine.Registry().Len())

	if c.cfg.Rules.Workers > 1 {
		return engine.AnalyzeParallel(cmd.Context(), req.Events)
	}
	return engine.Analyze(req.Events), nil
}

// manager builds an engine manager from the configuration. The returned
// function closes the database handle, if any.
func (c *cli) manager() (*enginemanager.Manager, func(), error) {
	opts := []enginemanager.Option{enginemanager.WithWorkers(c.cfg.Rules.Workers)}
	closeDB := func() {}

	if c.cfg.HasDatabase() {
		db, err := sql.Open("postgres", c.cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		opts = append(opts, enginemanager.WithDB(db))
		closeDB = func() { _ = db.Close() }
	}

	return enginemanager.NewManager(c.loader(), opts...), closeDB, nil
}
