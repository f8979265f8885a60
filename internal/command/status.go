// Copyright 2024 Humanitec
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"fmt"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/humanitec/incremental/build"
	"github.com/humanitec/incremental/state"
	"github.com/humanitec/incremental/workspace"
)

const (
	statusCmdStateFileFlag = "state-file"
	statusCmdBasedirFlag   = "basedir"
	statusCmdIncludeFlag   = "include"
	statusCmdExcludeFlag   = "exclude"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Args:  cobra.NoArgs,
	Short: "Report how the matched files changed since the last build",
	Long: `The status command classifies every file selected by the globs against the persisted
build state: new, modified, unmodified, or removed. Nothing is built and the state file is
left untouched, so running it is always safe.`,

	// don't print the errors - we print these ourselves in main()
	SilenceErrors: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		stateFile, _ := cmd.Flags().GetString(statusCmdStateFileFlag)
		basedir, _ := cmd.Flags().GetString(statusCmdBasedirFlag)
		includes, _ := cmd.Flags().GetStringArray(statusCmdIncludeFlag)
		excludes, _ := cmd.Flags().GetStringArray(statusCmdExcludeFlag)

		// reuse the persisted configuration so the status view is never
		// escalated by a fingerprint difference
		var configuration map[string]interface{}
		if previous, ok, err := state.Load(stateFile); err != nil {
			slog.Warn(fmt.Sprintf("Ignoring previous build state: %s", err))
		} else if ok {
			configuration = previous.Configuration
		}

		// the context is discarded without commit, which leaves the
		// previous state file intact
		ctx, err := build.NewAggregatorContext(workspace.NewFilesystem(), stateFile, configuration, slog.Default())
		if err != nil {
			return err
		}
		inputs, err := ctx.RegisterInputs(basedir, includes, excludes)
		if err != nil {
			return err
		}
		for _, input := range inputs {
			printStatus(cmd, string(input.Status()), input.Path())
		}
		for _, id := range ctx.DeletedResources() {
			printStatus(cmd, string(workspace.StatusRemoved), id)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "processing required: %t\n", ctx.IsProcessingRequired())
		return nil
	},
}

func printStatus(cmd *cobra.Command, status string, path string) {
	paint := fmt.Sprintf
	switch workspace.ResourceStatus(status) {
	case workspace.StatusNew:
		paint = color.GreenString
	case workspace.StatusModified:
		paint = color.YellowString
	case workspace.StatusRemoved:
		paint = color.RedString
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", paint("%-10s", status), path)
}

func init() {
	statusCmd.Flags().String(statusCmdStateFileFlag, defaultStateFile, "Path of the persisted build state file")
	statusCmd.Flags().String(statusCmdBasedirFlag, ".", "Base directory the include and exclude globs are evaluated against")
	statusCmd.Flags().StringArray(statusCmdIncludeFlag, []string{"**"}, "Include glob, may be repeated")
	statusCmd.Flags().StringArray(statusCmdExcludeFlag, nil, "Exclude glob, may be repeated")
	rootCmd.AddCommand(statusCmd)
}
