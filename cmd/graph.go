package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smazurov/visionlink/internal/pipeline"
)

// CreateGraphCmd creates the graph command.
func CreateGraphCmd() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:          "graph [pipeline-file]",
		Short:        "Print the link topology of a pipeline",
		Long:         `Prints every link with its id, type and downstream link. With --dot the output is a Graphviz digraph clustered by processor.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			if dot {
				writeDot(cmd.OutOrStdout(), desc)
			} else {
				writeText(cmd.OutOrStdout(), desc)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "Emit Graphviz dot")
	return cmd
}

func writeText(w io.Writer, desc *pipeline.Description) {
	ids := pipeline.AssignIDs(desc)
	fmt.Fprintf(w, "pipeline %s\n", desc.Name)
	for _, s := range desc.Links {
		line := fmt.Sprintf("  %-6s %-16s %-10s", ids[s.Name], s.Name, s.Type)
		if next := desc.Consumers(s.Name); len(next) > 0 {
			line += " -> " + strings.Join(next, ", ")
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func writeDot(w io.Writer, desc *pipeline.Description) {
	ids := pipeline.AssignIDs(desc)
	fmt.Fprintf(w, "digraph %q {\n", desc.Name)
	fmt.Fprintln(w, "  rankdir=LR;")

	var procs []uint8
	seen := make(map[uint8]bool)
	for _, s := range desc.Links {
		if !seen[s.Proc] {
			seen[s.Proc] = true
			procs = append(procs, s.Proc)
		}
	}
	for _, proc := range procs {
		fmt.Fprintf(w, "  subgraph cluster_%d {\n", proc)
		fmt.Fprintf(w, "    label=\"proc %d\";\n", proc)
		for _, s := range desc.Links {
			if s.Proc == proc {
				fmt.Fprintf(w, "    %q [label=\"%s\\n%s %s\"];\n", s.Name, s.Name, s.Type, ids[s.Name])
			}
		}
		fmt.Fprintln(w, "  }")
	}
	for _, s := range desc.Links {
		for _, ref := range s.Sources() {
			var attrs []string
			if s.Type == pipeline.TypeIPCIn {
				attrs = append(attrs, "style=dashed")
			}
			if up, ok := desc.Link(ref.Link); ok && up.NumQueues() > 1 {
				attrs = append(attrs, fmt.Sprintf("label=\"q%d\"", ref.Queue))
			}
			style := ""
			if len(attrs) > 0 {
				style = " [" + strings.Join(attrs, ", ") + "]"
			}
			fmt.Fprintf(w, "  %q -> %q%s;\n", ref.Link, s.Name, style)
		}
	}
	fmt.Fprintln(w, "}")
}
