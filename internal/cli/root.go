// Package cli implements investigatorctl, a command line client for the investigator service.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/miradorstack/mirador-investigator/internal/api"
)

// Client is the subset of the investigator API the CLI calls.
type Client interface {
	Investigate(ctx context.Context, in *api.InvestigateRequest, opts ...grpc.CallOption) (*api.InvestigateResponse, error)
	CancelInvestigation(ctx context.Context, in *api.CancelInvestigationRequest, opts ...grpc.CallOption) (*api.CancelInvestigationResponse, error)
	AddFinding(ctx context.Context, in *api.AddFindingRequest, opts ...grpc.CallOption) (*api.AddFindingResponse, error)
	GetHypotheses(ctx context.Context, in *api.GetHypothesesRequest, opts ...grpc.CallOption) (*api.GetHypothesesResponse, error)
	CreateNotebook(ctx context.Context, in *api.CreateNotebookRequest, opts ...grpc.CallOption) (*api.CreateNotebookResponse, error)
	ListParagraphs(ctx context.Context, in *api.ListParagraphsRequest, opts ...grpc.CallOption) (*api.ListParagraphsResponse, error)
}

// Dialer opens a Client for addr. The returned closer releases the connection.
type Dialer func(addr string) (Client, io.Closer, error)

// DialGRPC connects to the investigator service without transport security.
func DialGRPC(addr string) (Client, io.Closer, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return api.NewInvestigatorClient(conn), conn, nil
}

type globals struct {
	addr    string
	timeout time.Duration
	json    bool
	dial    Dialer
}

// call dials the service and runs fn with a bounded context.
func (g *globals) call(cmd *cobra.Command, fn func(ctx context.Context, c Client) error) error {
	client, closer, err := g.dial(g.addr)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return fn(ctx, client)
}

func (g *globals) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs investigatorctl against the address in MIRADOR_INVESTIGATOR_ADDR or the default.
func Execute() error {
	return NewRoot(DialGRPC).Execute()
}

// NewRoot builds the command tree. dial is used by every command that talks to the service.
func NewRoot(dial Dialer) *cobra.Command {
	g := &globals{dial: dial}

	defaultAddr := os.Getenv("MIRADOR_INVESTIGATOR_ADDR")
	if defaultAddr == "" {
		defaultAddr = "localhost:50061"
	}

	root := &cobra.Command{
		Use:          "investigatorctl",
		Short:        "Drive notebook investigations on a mirador-investigator server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", defaultAddr, "Investigator gRPC address")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 0, "Overall request timeout (0 waits for the investigation to finish)")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "Print responses as JSON")

	root.AddCommand(
		notebookCmd(g),
		investigateCmd(g),
		cancelCmd(g),
		findingCmd(g),
		hypothesesCmd(g),
		paragraphsCmd(g),
	)
	return root
}
