// Package main provides a CLI for authoring and watching flowstudio workflows.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tcmartin/flowstudio/pkg/client"
	"github.com/tcmartin/flowstudio/pkg/projector"
	"github.com/tcmartin/flowstudio/pkg/stream"
	"github.com/tcmartin/flowstudio/pkg/workflow"
)

// cliOptions holds the global flags
type cliOptions struct {
	serverURL string
	token     string
}

func (o *cliOptions) client() (*client.Client, error) {
	if o.serverURL == "" {
		return nil, errors.New("server URL is required (--server or FLOWSTUDIO_SERVER)")
	}
	if o.token == "" {
		return nil, errors.New("token is required (--token or FLOWSTUDIO_TOKEN)")
	}
	return client.New(o.serverURL, o.token), nil
}

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:           "flowstudio-cli",
		Short:         "FlowStudio CLI",
		Long:          "Command-line interface for authoring, running and watching FlowStudio workflows",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", os.Getenv("FLOWSTUDIO_SERVER"), "Server URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("FLOWSTUDIO_TOKEN"), "Bearer token")

	rootCmd.AddCommand(
		newValidateCmd(),
		newVarsCmd(),
		newListCmd(opts),
		newExportCmd(opts),
		newImportCmd(opts),
		newPushCmd(opts),
		newRunCmd(opts),
		newWatchCmd(opts),
		newTokenCmd(),
		newMigrateCmd(),
	)
	return rootCmd
}

// readDocument loads a JSON or YAML workflow document from a file, or stdin for "-"
func readDocument(path string) (*workflow.Document, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return workflow.ParseDocument(data)
}

func saveRequest(doc *workflow.Document) (workflow.SaveRequest, error) {
	g, err := doc.Graph()
	if err != nil {
		return workflow.SaveRequest{}, err
	}
	return workflow.NewSaveRequest(doc.Name, doc.Description, g), nil
}

func printViolations(w io.Writer, violations []workflow.Violation) {
	for _, v := range violations {
		if v.NodeID != "" {
			fmt.Fprintf(w, "  - [%s] %s (node %s)\n", v.Rule, v.Message, v.NodeID)
		} else {
			fmt.Fprintf(w, "  - [%s] %s\n", v.Rule, v.Message)
		}
	}
}

// reportSaveError prints the violations of a rejected save
func reportSaveError(cmd *cobra.Command, err error) error {
	var verr *client.ValidationError
	if errors.As(err, &verr) {
		fmt.Fprintln(cmd.ErrOrStderr(), "Workflow rejected:")
		printViolations(cmd.ErrOrStderr(), verr.Violations)
	}
	return err
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a workflow document for structural violations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			g, err := doc.Graph()
			if err != nil {
				return err
			}
			violations := workflow.Validate(g)
			if len(violations) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d nodes, %d edges)\n", args[0], g.Len(), len(g.Edges()))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d violation(s)\n", args[0], len(violations))
			printViolations(cmd.OutOrStdout(), violations)
			return fmt.Errorf("%s is not valid", args[0])
		},
	}
}

func newVarsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vars [file] [node-id]",
		Short: "List the variables a node can reference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			g, err := doc.Graph()
			if err != nil {
				return err
			}
			if !g.HasNode(args[1]) {
				return fmt.Errorf("%w: %s", workflow.ErrNodeNotFound, args[1])
			}
			for _, s := range workflow.Variables(g, args[1]) {
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %s\n", s.Value, s.Label)
			}
			return nil
		},
	}
}

func newListCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ID\t\t\t\t\tVersion\tActive\tName")
			for _, wf := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%t\t%s\n", wf.ID, wf.Version, wf.IsActive, wf.Name)
			}
			return nil
		},
	}
}

func newExportCmd(opts *cliOptions) *cobra.Command {
	var (
		asYAML  bool
		version int
	)
	cmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Print a stored workflow document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var doc *workflow.Document
			if version > 0 {
				doc, err = c.GetVersion(cmd.Context(), args[0], version)
			} else {
				doc, err = c.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			var out []byte
			if asYAML {
				out, err = workflow.MarshalYAML(doc)
			} else {
				out, err = json.MarshalIndent(doc, "", "  ")
				out = append(out, '\n')
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Write YAML instead of JSON")
	cmd.Flags().IntVar(&version, "version", 0, "Export a specific version")
	return cmd
}

func newImportCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Create a workflow from a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			req, err := saveRequest(doc)
			if err != nil {
				return err
			}
			created, err := c.Create(cmd.Context(), req)
			if err != nil {
				return reportSaveError(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created workflow %s (version %d)\n", created.ID, created.Version)
			return nil
		},
	}
}

func newPushCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push [id] [file]",
		Short: "Save a document as the next version of a workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			doc, err := readDocument(args[1])
			if err != nil {
				return err
			}
			req, err := saveRequest(doc)
			if err != nil {
				return err
			}
			updated, err := c.Update(cmd.Context(), args[0], req)
			if err != nil {
				return reportSaveError(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved workflow %s (version %d)\n", updated.ID, updated.Version)
			return nil
		},
	}
}

func newRunCmd(opts *cliOptions) *cobra.Command {
	var (
		version int
		input   string
		watch   bool
		useSSE  bool
	)
	cmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Start a run of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			req := client.RunStartRequest{Version: version}
			if input != "" {
				if err := json.Unmarshal([]byte(input), &req.Input); err != nil {
					return fmt.Errorf("invalid --input: %w", err)
				}
			}
			run, err := c.StartRun(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s started (session %s)\n", run.RunID, run.SessionID)
			if !watch {
				return nil
			}
			return watchSession(cmd, opts, run.SessionID, useSSE)
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Run a specific version")
	cmd.Flags().StringVar(&input, "input", "", "Run input as a JSON object")
	cmd.Flags().BoolVar(&watch, "watch", false, "Follow node status after starting")
	cmd.Flags().BoolVar(&useSSE, "sse", false, "Use the event stream instead of the websocket")
	return cmd
}

func newWatchCmd(opts *cliOptions) *cobra.Command {
	var useSSE bool
	cmd := &cobra.Command{
		Use:   "watch [session-id]",
		Short: "Follow node status of a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchSession(cmd, opts, args[0], useSSE)
		},
	}
	cmd.Flags().BoolVar(&useSSE, "sse", false, "Use the event stream instead of the websocket")
	return cmd
}

// watchSession prints one line per status change until the stream ends or the command is interrupted
func watchSession(cmd *cobra.Command, opts *cliOptions, sessionID string, useSSE bool) error {
	c, err := opts.client()
	if err != nil {
		return err
	}

	var src projector.Source
	if useSSE {
		src = stream.NewSSESource(c.BaseURL(), c.Token())
	} else {
		ws, err := stream.NewWebSocketSource(c.BaseURL(), c.Token())
		if err != nil {
			return err
		}
		src = ws
	}

	out := cmd.OutOrStdout()
	p := projector.New(projector.WithNotifier(func(n projector.Notification) {
		fmt.Fprintln(out, n.Message)
	}))
	if err := p.Open(cmd.Context(), sessionID, src); err != nil {
		return err
	}
	fmt.Fprintf(out, "Watching session %s (Ctrl-C to stop)\n", sessionID)

	select {
	case <-p.Done():
	case <-cmd.Context().Done():
	}
	snap := p.Snapshot()
	p.Close()

	if len(snap.Statuses) > 0 {
		parts := make([]string, 0, len(snap.Statuses))
		for id, st := range snap.Statuses {
			parts = append(parts, id+"="+string(st))
		}
		sort.Strings(parts)
		fmt.Fprintf(out, "Last known: %s\n", strings.Join(parts, " "))
	}
	if snap.State == projector.StateUnknown && snap.Err != nil && !errors.Is(snap.Err, context.Canceled) {
		return fmt.Errorf("status stream ended: %w", snap.Err)
	}
	return nil
}
