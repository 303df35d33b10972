package main

import (
	"fmt"
	"guildsync/internal/types"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var (
	expectedVersion int64
	patchFile       string
	setFields       []string
)

var getCmd = &cobra.Command{
	Use:     "get <key>",
	Short:   "Print the configuration of a guild",
	GroupID: "config",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := application.Service.Get(cmd.Context(), types.ConfigKey(args[0]))
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var patchCmd = &cobra.Command{
	Use:   "patch <key>",
	Short: "Change fields of a guild configuration",
	Long: `Merges fields into the configuration of a guild, creating it from defaults when missing.
Fields come from --file (YAML or JSON) and --set name=value; a value of null resets the
field to its default.`,
	GroupID: "config",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := readPatch()
		if err != nil {
			return err
		}
		doc, err := application.Service.Patch(cmd.Context(), types.ConfigKey(args[0]), expected(), patch)
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var replaceCmd = &cobra.Command{
	Use:     "replace <key>",
	Short:   "Overwrite the configuration of an existing guild",
	GroupID: "config",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := readPatch()
		if err != nil {
			return err
		}
		doc, err := application.Service.Replace(cmd.Context(), types.ConfigKey(args[0]), expected(), payload)
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <key>",
	Short:   "Delete the configuration of a guild",
	GroupID: "config",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := application.Service.Delete(cmd.Context(), types.ConfigKey(args[0]), expected())
		if err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Short:   "List the guilds that have a configuration",
	GroupID: "config",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := application.Service.ListGuilds(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(keys)
	},
}

func init() {
	for _, c := range []*cobra.Command{patchCmd, replaceCmd, deleteCmd} {
		c.Flags().Int64Var(&expectedVersion, "expected-version", -1, "fail unless the stored version is this one (0: no document)")
	}
	for _, c := range []*cobra.Command{patchCmd, replaceCmd} {
		c.Flags().StringVarP(&patchFile, "file", "f", "", "YAML or JSON file with the fields")
		c.Flags().StringArrayVar(&setFields, "set", nil, "field=value, value parsed as YAML (repeatable)")
	}
	rootCmd.AddCommand(getCmd, patchCmd, replaceCmd, deleteCmd, listCmd)
}

func expected() *int64 {
	if expectedVersion < 0 {
		return nil
	}
	return types.Version(expectedVersion)
}

// readPatch merges --file and then --set into one payload.
func readPatch() (types.Payload, error) {
	patch := types.Payload{}
	if patchFile != "" {
		b, err := os.ReadFile(patchFile)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &patch); err != nil {
			return nil, fmt.Errorf("parse %s: %w", patchFile, err)
		}
	}
	for _, kv := range setFields {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("--set %q: want field=value", kv)
		}
		patch[name] = parseValue(raw)
	}
	return patch, nil
}

// parseValue reads raw as a YAML scalar or flow collection so numbers, booleans and lists
// keep their type. Unquoted text is kept verbatim ("!" is a valid prefix but a YAML tag).
func parseValue(raw string) any {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	switch v.(type) {
	case nil:
		if raw == "null" || raw == "~" {
			return nil
		}
		return raw
	case string:
		if strings.HasPrefix(raw, `"`) || strings.HasPrefix(raw, "'") {
			return v
		}
		return raw
	}
	return v
}
