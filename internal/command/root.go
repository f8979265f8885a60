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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/humanitec/incremental/internal/logging"
	"github.com/humanitec/incremental/internal/version"
)

var rootCmd = &cobra.Command{
	Use:   "incremental",
	Short: "Incremental aggregation builds over file globs",
	Long: `incremental runs aggregation builds that only do work when their inputs changed.
Each invocation loads the state persisted by the previous one, classifies every known
file as new, modified, unmodified, or removed, and regenerates outputs only when needed.`,
	Version: version.BuildVersionString(),

	// don't print the errors - we print these ourselves in main()
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if q, _ := cmd.Flags().GetBool("quiet"); q {
			level = slog.LevelError
		} else if v, _ := cmd.Flags().GetCount("verbose"); v > 0 {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(logging.NewLineHandler(cmd.ErrOrStderr(), level)))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("quiet", false, "Mute all logging output except errors")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity and detail by specifying this flag one or more times")
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "%s" .Version}}
`)
}

func Execute() error {
	return rootCmd.Execute()
}
