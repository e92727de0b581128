package main

import (
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/liamcoop/detect/config"
	"github.com/liamcoop/detect/internal/logger"
	"github.com/liamcoop/detect/rules"
	_ "github.com/liamcoop/detect/rules/builtin"
)

// cli carries state shared by the subcommands of one invocation
type cli struct {
	v          *viper.Viper
	cfg        *config.Config
	configFile string
	noColor    bool
}

// NewRootCmd creates the detect command with all subcommands
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "detect",
		Short: "Evaluate log events against detection rules",
		Long: `detect loads a tree of YAML detection rules, evaluates every event of a
request against every rule, and writes the resulting matches.

Rules are *.yml/*.yaml files; files starting with '_' are shared helpers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if c.noColor {
				color.NoColor = true
			}
			cfg, err := config.Load(c.v, c.configFile)
			if err != nil {
				return err
			}
			logger.SetLevelFromString(cfg.Log.Level, slog.LevelInfo)
			c.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&c.configFile, "config", "", "Config file path (default: ./detect.yaml if present)")
	root.PersistentFlags().BoolVar(&c.noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().String("log-level", "", "Log level: TRACE, DEBUG, INFO, WARN, ERROR")
	root.PersistentFlags().Bool("builtin", false, "Also load the compiled-in rules")
	root.PersistentFlags().Duration("regex-timeout", 0, "Timeout for a single regex_match call")
	bindFlag(c.v, "log.level", root.PersistentFlags().Lookup("log-level"))
	bindFlag(c.v, "rules.builtin", root.PersistentFlags().Lookup("builtin"))
	bindFlag(c.v, "rules.regex_timeout", root.PersistentFlags().Lookup("regex-timeout"))

	root.AddCommand(newAnalyzeCmd(c))
	root.AddCommand(newLintCmd(c))

	return root
}

// loader builds a rules loader from the resolved configuration
func (c *cli) loader() *rules.Loader {
	opts := []rules.LoaderOption{rules.WithRegexTimeout(c.cfg.Rules.RegexTimeout)}
	if c.cfg.Rules.Builtin {
		opts = append(opts, rules.WithBuiltins())
	}
	return rules.NewLoader(opts...)
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	// only fails for a nil flag
	_ = v.BindPFlag(key, flag)
}
