package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/objectproxy/internal/inspect"
	"github.com/dyluth/objectproxy/internal/printer"
	"github.com/dyluth/objectproxy/internal/resolver"
	"github.com/dyluth/objectproxy/pkg/proxy"
	"github.com/dyluth/objectproxy/pkg/record"
)

var (
	getFilters []string

	listFilters []string
	listFields  []string
	listOffset  int
	listLimit   int
	listOutput  string

	searchFilters []string
	searchOutput  string

	putSets []string

	patchSets   []string
	patchUnsets []string
)

var getCmd = &cobra.Command{
	Use:   "get SCHEMA [UUID]",
	Short: "Fetch one record",
	Long: `Fetch a single record through the proxy and print it as JSON.

The record is identified either by UUID (short prefixes of at least 6
characters are resolved) or by --filter, which returns the first record
whose fields equal every given value.

Examples:
  objproxy get wikipage 3f2a9c1e
  objproxy get wikipage --filter name=Index`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runGet,
}

var listCmd = &cobra.Command{
	Use:   "list SCHEMA",
	Short: "List records of a schema",
	Long: `List records of a schema in creation order.

Output Formats:
  default - Human-readable table with UUID, name and a field summary
  jsonl   - Line-delimited JSON, one record per line
  json    - The whole list as pretty-printed JSON

Examples:
  objproxy list layer --limit 20
  objproxy list layer --filter visible=true --fields name,zoom -o jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

var searchCmd = &cobra.Command{
	Use:   "search SCHEMA",
	Short: "Query records without caching the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var putCmd = &cobra.Command{
	Use:   "put SCHEMA",
	Short: "Create a record",
	Long: `Create a record with a generated UUID.

Values are parsed as JSON when possible, so --set zoom=12 stores a number
and --set tags='["a","b"]' stores a list. Anything else is a string.

Example:
  objproxy put wikipage --set name=Index --set html='<p>hello</p>'`,
	Args: cobra.ExactArgs(1),
	RunE: runPut,
}

var patchCmd = &cobra.Command{
	Use:   "patch SCHEMA UUID",
	Short: "Update fields of a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runPatch,
}

var deleteCmd = &cobra.Command{
	Use:   "delete SCHEMA UUID",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

func init() {
	getCmd.Flags().StringArrayVarP(&getFilters, "filter", "f", nil, "Match field value (key=value, repeatable)")

	listCmd.Flags().StringArrayVarP(&listFilters, "filter", "f", nil, "Match field value (key=value, repeatable)")
	listCmd.Flags().StringSliceVar(&listFields, "fields", nil, "Fields to return (name is always included)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Number of matching records to skip")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of records (0 = all)")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "default", "Output format (default, jsonl or json)")

	searchCmd.Flags().StringArrayVarP(&searchFilters, "filter", "f", nil, "Match field value (key=value, repeatable)")
	searchCmd.Flags().StringVarP(&searchOutput, "output", "o", "default", "Output format (default, jsonl or json)")

	putCmd.Flags().StringArrayVarP(&putSets, "set", "s", nil, "Field value (key=value, repeatable)")

	patchCmd.Flags().StringArrayVarP(&patchSets, "set", "s", nil, "Field value (key=value, repeatable)")
	patchCmd.Flags().StringArrayVar(&patchUnsets, "unset", nil, "Field to remove (repeatable)")

	rootCmd.AddCommand(getCmd, listCmd, searchCmd, putCmd, patchCmd, deleteCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	schema := args[0]

	filter, err := parseAssignments(getFilters)
	if err != nil {
		return printer.Error("invalid filter", err.Error(), nil)
	}
	if len(args) == 2 && len(filter) > 0 {
		return printer.Error("conflicting arguments", "Give either a UUID or --filter, not both.", nil)
	}
	if len(args) == 1 && len(filter) == 0 {
		return printer.Error("missing record identity", "Give a UUID or at least one --filter.",
			[]string{fmt.Sprintf("objproxy get %s <uuid>", schema), fmt.Sprintf("objproxy get %s --filter name=<name>", schema)})
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	id := ""
	if len(args) == 2 {
		if id, err = s.resolveID(ctx, schema, args[1]); err != nil {
			return err
		}
	}

	r, err := s.proxy.GetObject(schema, id, false, record.Filter(filter)).Wait(ctx)
	if err != nil {
		return s.proxyError(err, schema, id)
	}
	return inspect.FormatJSON(printer.Out(), r)
}

func runList(cmd *cobra.Command, args []string) error {
	format, err := inspect.ParseOutputFormat(listOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl, json"})
	}
	filter, err := parseAssignments(listFilters)
	if err != nil {
		return printer.Error("invalid filter", err.Error(), nil)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.proxy.GetList(args[0], proxy.ListOptions{
		Filter: filter,
		Fields: listFields,
		Offset: listOffset,
		Limit:  listLimit,
	}).Wait(ctx)
	if err != nil {
		return s.proxyError(err, args[0], "")
	}
	return inspect.WriteList(printer.Out(), list, s.cfg.Instance, format)
}

func runSearch(cmd *cobra.Command, args []string) error {
	format, err := inspect.ParseOutputFormat(searchOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl, json"})
	}
	filter, err := parseAssignments(searchFilters)
	if err != nil {
		return printer.Error("invalid filter", err.Error(), nil)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	list, err := s.proxy.Search(args[0], proxy.ListOptions{Filter: filter}).Wait(ctx)
	if err != nil {
		return s.proxyError(err, args[0], "")
	}
	return inspect.WriteList(printer.Out(), list, s.cfg.Instance, format)
}

func runPut(cmd *cobra.Command, args []string) error {
	fields, err := parseAssignments(putSets)
	if err != nil {
		return printer.Error("invalid field", err.Error(), nil)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	r, err := s.proxy.Create(args[0], fields).Wait(ctx)
	if err != nil {
		return s.proxyError(err, args[0], "")
	}
	printer.Success("Created %s %s\n", r.Schema, r.UUID)
	return nil
}

func runPatch(cmd *cobra.Command, args []string) error {
	patch, err := parseAssignments(patchSets)
	if err != nil {
		return printer.Error("invalid field", err.Error(), nil)
	}
	for _, name := range patchUnsets {
		patch[name] = nil
	}
	if len(patch) == 0 {
		return printer.Error("nothing to change", "Give at least one --set or --unset.", nil)
	}

	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	schema := args[0]
	id, err := s.resolveID(ctx, schema, args[1])
	if err != nil {
		return err
	}

	r, err := s.proxy.Mutate(schema, id, patch).Wait(ctx)
	if err != nil {
		return s.proxyError(err, schema, id)
	}
	printer.Success("Updated %s %s\n", r.Schema, r.UUID)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	schema := args[0]
	id, err := s.resolveID(ctx, schema, args[1])
	if err != nil {
		return err
	}

	if _, err := s.proxy.Delete(schema, id).Wait(ctx); err != nil {
		return s.proxyError(err, schema, id)
	}
	printer.Success("Deleted %s %s\n", schema, id)
	return nil
}

// resolveID expands a short UUID prefix within schema.
func (s *session) resolveID(ctx context.Context, schema, shortID string) (string, error) {
	id, err := resolver.ResolveUUID(ctx, s.store, schema, shortID)
	if err == nil {
		return id, nil
	}

	switch {
	case resolver.IsAmbiguousError(err):
		return "", printer.Error("ambiguous short ID", resolver.FormatAmbiguousError(err.(*resolver.AmbiguousError)), nil)
	case resolver.IsNotFoundError(err):
		return "", printer.Error(fmt.Sprintf("%s %s not found", schema, shortID), err.Error(),
			[]string{fmt.Sprintf("List records:\n  objproxy list %s", schema)})
	default:
		return "", s.proxyError(err, schema, shortID)
	}
}
