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
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"dario.cat/mergo"
	"github.com/Masterminds/sprig/v3"
	"github.com/spf13/cobra"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/humanitec/incremental/build"
	"github.com/humanitec/incremental/internal/utils"
	"github.com/humanitec/incremental/workspace"
)

const (
	aggregateCmdStateFileFlag  = "state-file"
	aggregateCmdBasedirFlag    = "basedir"
	aggregateCmdIncludeFlag    = "include"
	aggregateCmdExcludeFlag    = "exclude"
	aggregateCmdOutputFlag     = "output"
	aggregateCmdTemplateFlag   = "template"
	aggregateCmdConfigFileFlag = "config-file"
	aggregateCmdSetFlag        = "set"
	aggregateCmdLabelFlag      = "label"

	defaultStateFile = ".incremental/state.yaml"
)

//go:embed default.aggregate.template
var defaultAggregateTemplate string

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Args:  cobra.NoArgs,
	Short: "Aggregate the files matched by a set of globs into one output file",
	Long: `The aggregate command folds the files selected by the include and exclude globs into a
single output file rendered through a template. The build state persisted by the previous
invocation decides whether any work happens at all: with unchanged inputs, an unchanged
input set, and an unchanged configuration, the output is left exactly as it is.

Changing the configuration in any way escalates the next build and regenerates everything.`,
	Example: `
  # Concatenate all markdown files into one document
  incremental aggregate --basedir docs --include '**/*.md' --output build/docs.md

  # Render through a custom template and stamp attributes on changed inputs
  incremental aggregate --include '**/*.txt' --output all.txt --template index.tmpl --label team=docs

  # Override a configuration property to force a full rebuild
  incremental aggregate --include '**/*.txt' --output all.txt --set flavor=v2`,

	// don't print the errors - we print these ourselves in main()
	SilenceErrors: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		stateFile, _ := cmd.Flags().GetString(aggregateCmdStateFileFlag)
		basedir, _ := cmd.Flags().GetString(aggregateCmdBasedirFlag)
		includes, _ := cmd.Flags().GetStringArray(aggregateCmdIncludeFlag)
		excludes, _ := cmd.Flags().GetStringArray(aggregateCmdExcludeFlag)
		output, _ := cmd.Flags().GetString(aggregateCmdOutputFlag)
		templateFile, _ := cmd.Flags().GetString(aggregateCmdTemplateFlag)

		configuration, err := buildConfiguration(cmd, includes, excludes, output, templateFile)
		if err != nil {
			return err
		}

		templateContent := defaultAggregateTemplate
		if templateFile != "" {
			raw, err := os.ReadFile(templateFile)
			if err != nil {
				return fmt.Errorf("failed to read template '%s': %w", templateFile, err)
			}
			templateContent = string(raw)
		}
		tmpl, err := template.New("aggregate").Funcs(sprig.TxtFuncMap()).Parse(templateContent)
		if err != nil {
			return fmt.Errorf("failed to parse template: %w", err)
		}

		labels, err := parseLabels(cmd)
		if err != nil {
			return err
		}

		actx, err := build.NewAggregatorContext(workspace.NewFilesystem(), stateFile, configuration, slog.Default())
		if err != nil {
			return err
		}
		if actx.Escalated() {
			slog.Info("Build escalated, all inputs are treated as modified")
		}

		out, err := actx.RegisterOutput(output)
		if err != nil {
			return err
		}
		if err := actx.AssociateInputs(out, basedir, includes, excludes, func(r *build.Resource) error {
			for key, value := range labels {
				if _, err := r.SetAttribute(key, value); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}

		created, err := actx.CreateIfNecessary(out, &templateCreator{template: tmpl})
		if err != nil {
			return err
		}
		if err := actx.Commit(newConsoleSink(cmd.OutOrStdout())); err != nil {
			return err
		}
		if created {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "regenerated '%s'\n", out.Path())
		} else {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "'%s' is up to date\n", out.Path())
		}
		return nil
	},
}

// buildConfiguration assembles the build's configuration fingerprint from
// the command line: the flag values, overlaid with an optional config file,
// overlaid with --set dotted-path overrides.
func buildConfiguration(cmd *cobra.Command, includes []string, excludes []string, output string, templateFile string) (map[string]interface{}, error) {
	templateRef := "builtin"
	if templateFile != "" {
		templateRef = templateFile
	}
	configuration := map[string]interface{}{
		"output":   output,
		"includes": toValueList(includes),
		"excludes": toValueList(excludes),
		"template": templateRef,
	}

	if configFile, _ := cmd.Flags().GetString(aggregateCmdConfigFileFlag); configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", configFile, err)
		}
		var fileConfig map[string]interface{}
		if err := yaml.Unmarshal(raw, &fileConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config file '%s': %w", configFile, err)
		}
		if err := mergo.Merge(&configuration, fileConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to apply config file '%s': %w", configFile, err)
		}
	}

	if overrides, _ := cmd.Flags().GetStringArray(aggregateCmdSetFlag); len(overrides) > 0 {
		jsonBytes, err := json.Marshal(configuration)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal configuration: %w", err)
		}
		for _, entry := range overrides {
			if key, value, err := utils.SplitKeyValue(entry); err != nil {
				// a bare path removes the property
				slog.Debug(fmt.Sprintf("Applying configuration override: removing '%s'", entry))
				if jsonBytes, err = sjson.DeleteBytes(jsonBytes, entry); err != nil {
					return nil, fmt.Errorf("failed to remove configuration '%s': %w", entry, err)
				}
			} else {
				parsed := utils.TryParseScalar(value)
				slog.Debug(fmt.Sprintf("Applying configuration override: '%s' = '%v' (%T)", key, parsed, parsed))
				if jsonBytes, err = sjson.SetBytes(jsonBytes, key, parsed); err != nil {
					return nil, fmt.Errorf("failed to override configuration '%s': %w", key, err)
				}
			}
		}
		if configuration, err = decodeConfiguration(jsonBytes); err != nil {
			return nil, err
		}
	}
	return configuration, nil
}

func toValueList(in []string) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	return out
}

// decodeConfiguration decodes the overridden configuration back into a map,
// turning json numbers into the integers the value grammar expects.
func decodeConfiguration(raw []byte) (map[string]interface{}, error) {
	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	converted, err := convertNumbers(decoded)
	if err != nil {
		return nil, err
	}
	out, ok := converted.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("configuration is not an object")
	}
	return out, nil
}

func convertNumbers(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return nil, fmt.Errorf("configuration value '%s' is not an integer", t.String())
		}
		return int(i), nil
	case []interface{}:
		for i := range t {
			c, err := convertNumbers(t[i])
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	case map[string]interface{}:
		for k := range t {
			c, err := convertNumbers(t[k])
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		return t, nil
	}
	return v, nil
}

func parseLabels(cmd *cobra.Command) (map[string]interface{}, error) {
	entries, _ := cmd.Flags().GetStringArray(aggregateCmdLabelFlag)
	out := make(map[string]interface{}, len(entries))
	for _, entry := range entries {
		key, value, err := utils.SplitKeyValue(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid --%s: %w", aggregateCmdLabelFlag, err)
		}
		out[key] = utils.TryParseScalar(value)
	}
	return out, nil
}

// templateCreator renders the aggregate through a text template with the
// sprig function map. Inputs are exposed as {Path, RelPath, Content}.
type templateCreator struct {
	template *template.Template
}

type templateInput struct {
	Path    string
	RelPath string
	Content string
}

func (t *templateCreator) Create(o *build.Output, inputs []build.AggregateInput) error {
	data := struct {
		Output string
		Inputs []templateInput
	}{Output: o.Path()}
	for _, input := range inputs {
		content, err := os.ReadFile(input.Path())
		if err != nil {
			return fmt.Errorf("failed to read input '%s': %w", input.Path(), err)
		}
		data.Inputs = append(data.Inputs, templateInput{
			Path:    input.Path(),
			RelPath: input.RelPath(),
			Content: string(content),
		})
	}
	w, err := o.NewOutputStream()
	if err != nil {
		return err
	}
	if err := t.template.Execute(w, data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to render aggregate: %w", err)
	}
	return w.Close()
}

var _ build.OutputCreator = (*templateCreator)(nil)

func init() {
	aggregateCmd.Flags().String(aggregateCmdStateFileFlag, defaultStateFile, "Path of the persisted build state file")
	aggregateCmd.Flags().String(aggregateCmdBasedirFlag, ".", "Base directory the include and exclude globs are evaluated against")
	aggregateCmd.Flags().StringArray(aggregateCmdIncludeFlag, []string{"**"}, "Include glob, may be repeated")
	aggregateCmd.Flags().StringArray(aggregateCmdExcludeFlag, nil, "Exclude glob, may be repeated")
	aggregateCmd.Flags().String(aggregateCmdOutputFlag, "", "Path of the aggregate output file")
	_ = aggregateCmd.MarkFlagRequired(aggregateCmdOutputFlag)
	aggregateCmd.Flags().String(aggregateCmdTemplateFlag, "", "Path of a template to render the aggregate through instead of the builtin concatenation")
	aggregateCmd.Flags().String(aggregateCmdConfigFileFlag, "", "Path of a yaml file merged over the default configuration")
	aggregateCmd.Flags().StringArray(aggregateCmdSetFlag, nil, "Dotted-path configuration override as KEY=VALUE, or a bare KEY to remove it, may be repeated")
	aggregateCmd.Flags().StringArray(aggregateCmdLabelFlag, nil, "Attribute stamped on every processed input as KEY=VALUE, may be repeated")
	rootCmd.AddCommand(aggregateCmd)
}
