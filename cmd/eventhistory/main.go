package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	utilfeature "k8s.io/apiserver/pkg/util/feature"
	"k8s.io/component-base/cli"
	logsapi "k8s.io/component-base/logs/api/v1"

	"go.miloapis.com/eventhistory/internal/version"

	// Register JSON logging format
	_ "k8s.io/component-base/logs/json/register"
)

func init() {
	utilruntime.Must(logsapi.AddFeatureGates(utilfeature.DefaultMutableFeatureGate))
	utilruntime.Must(utilfeature.DefaultMutableFeatureGate.Set("LoggingBetaOptions=true"))
}

func main() {
	cmd := NewEventHistoryCommand()
	code := cli.Run(cmd)
	os.Exit(code)
}

// NewEventHistoryCommand creates the root command.
func NewEventHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eventhistory",
		Short: "Kubernetes Event history - durable, queryable cluster events",
		Long: `Event history watches core/v1 Events in a set of namespaces and keeps
every (uid, count) occurrence in ClickHouse long after the API server has
garbage collected it. Aggregate counters are exposed for Prometheus.`,
	}

	cmd.AddCommand(NewIngestCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand creates the version subcommand to display build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Show the version, git commit, and build details.`,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Event History\n")
			fmt.Fprintf(out, "  Version:       %s\n", info.Version)
			fmt.Fprintf(out, "  Git Commit:    %s\n", info.GitCommit)
			fmt.Fprintf(out, "  Git Tree:      %s\n", info.GitTreeState)
			fmt.Fprintf(out, "  Build Date:    %s\n", info.BuildDate)
			fmt.Fprintf(out, "  Go Version:    %s\n", info.GoVersion)
			fmt.Fprintf(out, "  Go Compiler:   %s\n", info.Compiler)
			fmt.Fprintf(out, "  Platform:      %s\n", info.Platform)
		},
	}
}
