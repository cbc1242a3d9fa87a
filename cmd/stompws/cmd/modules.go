package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tsarna/stompws/pkg/stompws/modules"
	"go.uber.org/zap"
)

// modulesCmd represents the modules command
var modulesCmd = &cobra.Command{
	Use:   "modules [descriptor-files-or-directories...]",
	Short: "Validate module descriptors and print their load order",
	Long: `Validate module descriptor files (*` + modules.DescriptorSuffix + `) and print the
order the modules load in, dependencies first.

Without arguments the built-in descriptors are checked. With --root only
the modules needed to load that module are printed. Names given with
--external are treated as provided by the host and are not ordered.

Examples:
  stompws modules
  stompws modules --root STOMPWebSockets
  stompws modules ./Source/ --external CoreUObject --external Engine`,
	RunE: runModules,
}

var (
	modulesRoot     string
	modulesExternal []string
	modulesDetails  bool
)

func init() {
	rootCmd.AddCommand(modulesCmd)

	modulesCmd.Flags().StringVar(&modulesRoot, "root", "", "print only the load order for this module")
	modulesCmd.Flags().StringSliceVar(&modulesExternal, "external", modules.DefaultExternal, "modules provided by the host")
	modulesCmd.Flags().BoolVar(&modulesDetails, "details", false, "print each module's dependencies")
}

func runModules(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	var rules map[string]*modules.Rules
	if len(args) == 0 {
		rules = modules.DefaultRules()
	} else {
		sources := make([]any, len(args))
		for i, a := range args {
			sources[i] = a
		}
		parsed, diags := modules.ParseRules(sources...)
		if diags.HasErrors() {
			logger.Error("Invalid module descriptors", zap.Any("diags", diags))
			return diags
		}
		rules = parsed
	}

	var order []string
	if modulesRoot != "" {
		order, err = modules.LoadOrder(rules, modulesRoot, modulesExternal...)
	} else {
		order, err = modules.Order(rules, modulesExternal...)
	}
	if err != nil {
		return err
	}

	logger.Debug("Module load order computed",
		zap.Int("modules", len(rules)),
		zap.Strings("order", order),
	)

	return printModules(cmd.OutOrStdout(), rules, order, modulesDetails)
}

func printModules(out io.Writer, rules map[string]*modules.Rules, order []string, details bool) error {
	for i, name := range order {
		line := fmt.Sprintf("%d\t%s", i+1, name)
		if details {
			r := rules[name]
			line += fmt.Sprintf("\t%s\tpublic=%s\tprivate=%s",
				r.PCHUsage,
				strings.Join(r.PublicDependencies, ","),
				strings.Join(r.PrivateDependencies, ","),
			)
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}
