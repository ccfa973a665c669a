package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/sitegraph/internal/project"
	"github.com/rendis/sitegraph/pkg/schema"
)

var (
	exportOut  string
	importInto string
	importMode string
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage saved projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved projects, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		infos, err := a.projects.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No saved projects.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "NAME\tNODES\tUPDATED\n")
		for _, p := range infos {
			fmt.Fprintf(w, "%s\t%d\t%s\n", p.Name, p.NodeCount, p.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print the nodes and connections of a saved project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		snap, err := a.projects.Show(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printSnapshot(cmd.OutOrStdout(), snap)
		return nil
	},
}

var projectExportCmd = &cobra.Command{
	Use:   "export <name>",
	Short: "Write a saved project as a snapshot document",
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
		if exportOut == "" || exportOut == "-" {
			return a.projects.Export(cmd.OutOrStdout(), args[0])
		}
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOut, err)
		}
		if err := a.projects.Export(f, args[0]); err != nil {
			_ = f.Close()
			return err
		}
		return f.Close()
	},
}

var projectImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a snapshot document into a saved project",
	Long: `Reads a snapshot document ("-" for stdin) and stores it as a project.
With --mode merge the document's nodes are added, with fresh ids, to the
existing project; with --mode replace the project is overwritten.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := project.ParseMode(importMode)
		if err != nil {
			return err
		}
		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		if mode == project.ModeMerge {
			if err := a.projects.Load(ctx, importInto); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
				return err
			}
		}

		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}
		res, err := a.projects.Import(ctx, r, mode)
		if err != nil {
			return err
		}
		info, err := a.projects.Save(ctx, importInto)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Imported %d nodes, %d connections into %q (%s, %d nodes total)\n",
			res.Nodes, res.Connections, info.Name, res.Mode, info.NodeCount)
		for _, w := range res.Warnings {
			fmt.Fprintf(out, "  warning: %s\n", w)
		}
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a saved project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openFromFlags(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.projects.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %q\n", args[0])
		return nil
	},
}

func init() {
	projectExportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "output file (default stdout)")

	projectImportCmd.Flags().StringVar(&importInto, "into", "", "project to store the import in (required)")
	projectImportCmd.Flags().StringVar(&importMode, "mode", string(project.ModeReplace), "replace or merge")
	_ = projectImportCmd.MarkFlagRequired("into")

	projectCmd.AddCommand(projectListCmd, projectShowCmd, projectExportCmd, projectImportCmd, projectDeleteCmd)
}

// openFromFlags opens the shared stack for a one-shot command.
func openFromFlags(cmd *cobra.Command) (*app, error) {
	cfg, err := resolveConfig()
	if err != nil {
		return nil, err
	}
	return openApp(cmd.Context(), cfg)
}

func printSnapshot(w io.Writer, snap *schema.Snapshot) {
	fmt.Fprintf(w, "Project %q: %d nodes, %d connections\n\n", snap.Name, len(snap.Nodes), len(snap.Connections))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tTYPE\tOUTPUT\n")
	for _, n := range snap.Nodes {
		out := "-"
		if len(n.Output) > 0 {
			out = fmt.Sprintf("%d fields", len(n.Output))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", n.ID, n.Kind, out)
	}
	_ = tw.Flush()

	if len(snap.Connections) == 0 {
		return
	}
	fmt.Fprintln(w, "\nConnections:")
	for _, c := range snap.Connections {
		fmt.Fprintf(w, "  %s -> %s (%s)\n", c.FromNodeID, c.ToNodeID, c.ToPort)
	}
}
