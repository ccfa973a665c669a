package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/sitegraph/internal/diagram"
	"github.com/rendis/sitegraph/pkg/schema"
)

var (
	diagramFormat string
	diagramOut    string
)

var diagramCmd = &cobra.Command{
	Use:   "diagram <project>",
	Short: "Render a saved project as mermaid, ascii, svg or png",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.projects.Load(cmd.Context(), args[0]); err != nil {
			return err
		}
		model, err := diagram.FromGraph(a.graph, args[0])
		if err != nil {
			return err
		}
		data, err := renderDiagram(cmd, model, diagramFormat)
		if err != nil {
			return err
		}
		if diagramOut == "" || diagramOut == "-" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(diagramOut, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", diagramOut, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", diagramOut)
		return nil
	},
}

func init() {
	diagramCmd.Flags().StringVarP(&diagramFormat, "format", "f", "mermaid", "mermaid, ascii, svg or png")
	diagramCmd.Flags().StringVarP(&diagramOut, "output", "o", "", "output file (default stdout)")
}

func renderDiagram(cmd *cobra.Command, model *diagram.Model, format string) ([]byte, error) {
	switch format {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case string(diagram.FormatSVG), string(diagram.FormatPNG):
		return diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
	}
}
