package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/objectproxy/internal/printer"
	"github.com/dyluth/objectproxy/pkg/store"
)

var schemaHidden []string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage record schemas",
}

var schemaRegisterCmd = &cobra.Command{
	Use:   "register [NAME]",
	Short: "Register a schema in the store",
	Long: `Register a schema so records of that type can be stored.

With NAME, registers that schema, hiding the --hidden fields from every
read. Without NAME, registers every schema declared in the config file.

Examples:
  objproxy schema register wikipage
  objproxy schema register user --hidden password,token
  objproxy schema register --config objproxy.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSchemaRegister,
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered schemas",
	Args:  cobra.NoArgs,
	RunE:  runSchemaList,
}

func init() {
	schemaRegisterCmd.Flags().StringSliceVar(&schemaHidden, "hidden", nil, "Fields never returned to readers")
	schemaCmd.AddCommand(schemaRegisterCmd, schemaListCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runSchemaRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var schemas []*store.Schema
	if len(args) == 1 {
		schemas = append(schemas, &store.Schema{Name: args[0], Hidden: schemaHidden})
	} else {
		for _, sc := range s.cfg.Schemas {
			schemas = append(schemas, &store.Schema{Name: sc.Name, Hidden: sc.Hidden})
		}
	}

	if len(schemas) == 0 {
		return printer.Error(
			"no schemas to register",
			fmt.Sprintf("No schema name was given and %s declares no schemas.", displayPath(configPath)),
			[]string{"objproxy schema register <name>"},
		)
	}

	if len(args) == 0 {
		printer.Step("Registering %d schema(s) from %s\n", len(schemas), displayPath(configPath))
	}

	for _, sc := range schemas {
		if err := s.store.RegisterSchema(ctx, sc); err != nil {
			return printer.Error(fmt.Sprintf("failed to register schema '%s'", sc.Name), err.Error(), nil)
		}
		hidden := ""
		if len(sc.Hidden) > 0 {
			hidden = fmt.Sprintf(" (hidden: %s)", strings.Join(sc.Hidden, ", "))
		}
		printer.Success("Registered schema %s in instance '%s'%s\n", sc.Name, s.cfg.Instance, hidden)
	}
	return nil
}

func runSchemaList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.store.ListSchemas(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		printer.Info("No schemas registered for instance '%s'\n", s.cfg.Instance)
		return nil
	}

	for _, name := range names {
		sc, err := s.store.GetSchema(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		if len(sc.Hidden) > 0 {
			printer.Info("%s (hidden: %s)\n", name, strings.Join(sc.Hidden, ", "))
		} else {
			printer.Info("%s\n", name)
		}
	}
	return nil
}
