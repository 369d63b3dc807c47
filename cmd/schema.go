// -- cmd/schema.go --
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/webpilot/internal/extraction"
)

type schemaFlags struct {
	hintFile string
	output   string
}

func newSchemaCmd(opts *rootOptions) *cobra.Command {
	flags := &schemaFlags{}
	cmd := &cobra.Command{
		Use:   `schema "<instructions>"`,
		Short: "Compiles extraction instructions into the JSON schema the model is held to",
		Long: `Compiles extraction instructions, or a structure hint file, into a schema in
the supported subset. Unsupported constructs are reported and never dropped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := extraction.Request{}
			if len(args) == 1 {
				req.Instructions = args[0]
			}
			if flags.hintFile != "" {
				path, err := homedir.Expand(flags.hintFile)
				if err != nil {
					return fmt.Errorf("failed to expand hint path: %w", err)
				}
				if req.Hint, err = os.ReadFile(path); err != nil {
					return fmt.Errorf("failed to read hint file: %w", err)
				}
			}
			if req.Instructions == "" && len(req.Hint) == 0 {
				return fmt.Errorf("provide instructions or --hint")
			}

			schema, err := extraction.SchemaFor(req)
			if err != nil {
				return err
			}
			if err := extraction.Verify(schema); err != nil {
				return err
			}
			return writeSchema(cmd.OutOrStdout(), schema, flags.output)
		},
	}
	cmd.Flags().StringVar(&flags.hintFile, "hint", "", "file with a JSON schema or example document; replaces instruction parsing")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "json", "format: json or yaml")
	return cmd
}

func writeSchema(w io.Writer, schema *extraction.Schema, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(schema.ToMap())
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(schemaNode(schema)); err != nil {
			return fmt.Errorf("failed to encode schema as yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q: use json or yaml", format)
	}
}

// schemaNode builds a YAML mapping that keeps properties in the order the
// instructions named them.
func schemaNode(s *extraction.Schema) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, value *yaml.Node) {
		node.Content = append(node.Content, scalar(key), value)
	}

	if s.Type != "" {
		add("type", scalar(s.Type))
	}
	if s.Type == extraction.TypeObject {
		props := &yaml.Node{Kind: yaml.MappingNode}
		for _, name := range s.Fields() {
			props.Content = append(props.Content, scalar(name), schemaNode(s.Properties[name]))
		}
		add("properties", props)
		add("required", sequence(s.Required))
	}
	if s.Items != nil {
		add("items", schemaNode(s.Items))
	}
	if len(s.Enum) > 0 {
		add("enum", sequence(s.Enum))
	}
	if len(s.AnyOf) > 0 {
		variants := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range s.AnyOf {
			variants.Content = append(variants.Content, schemaNode(v))
		}
		add("anyOf", variants)
	}
	return node
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func sequence(values []string) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode}
	if len(values) == 0 {
		seq.Style = yaml.FlowStyle
	}
	for _, v := range values {
		seq.Content = append(seq.Content, scalar(v))
	}
	return seq
}
