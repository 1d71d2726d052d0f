package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.investigator.v1.Investigator"

// Full method names.
const (
	MethodInvestigate         = "/" + ServiceName + "/Investigate"
	MethodCancelInvestigation = "/" + ServiceName + "/CancelInvestigation"
	MethodAddFinding          = "/" + ServiceName + "/AddFinding"
	MethodGetHypotheses       = "/" + ServiceName + "/GetHypotheses"
	MethodCreateNotebook      = "/" + ServiceName + "/CreateNotebook"
	MethodListParagraphs      = "/" + ServiceName + "/ListParagraphs"
	MethodHealthCheck         = "/" + ServiceName + "/HealthCheck"
)

// InvestigatorServer is the server API for the investigator service.
type InvestigatorServer interface {
	Investigate(context.Context, *InvestigateRequest) (*InvestigateResponse, error)
	CancelInvestigation(context.Context, *CancelInvestigationRequest) (*CancelInvestigationResponse, error)
	AddFinding(context.Context, *AddFindingRequest) (*AddFindingResponse, error)
	GetHypotheses(context.Context, *GetHypothesesRequest) (*GetHypothesesResponse, error)
	CreateNotebook(context.Context, *CreateNotebookRequest) (*CreateNotebookResponse, error)
	ListParagraphs(context.Context, *ListParagraphsRequest) (*ListParagraphsResponse, error)
	HealthCheck(context.Context, *HealthRequest) (*HealthResponse, error)
}

// ServiceDesc describes the investigator service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InvestigatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Investigate", Handler: unary(MethodInvestigate, InvestigatorServer.Investigate)},
		{MethodName: "CancelInvestigation", Handler: unary(MethodCancelInvestigation, InvestigatorServer.CancelInvestigation)},
		{MethodName: "AddFinding", Handler: unary(MethodAddFinding, InvestigatorServer.AddFinding)},
		{MethodName: "GetHypotheses", Handler: unary(MethodGetHypotheses, InvestigatorServer.GetHypotheses)},
		{MethodName: "CreateNotebook", Handler: unary(MethodCreateNotebook, InvestigatorServer.CreateNotebook)},
		{MethodName: "ListParagraphs", Handler: unary(MethodListParagraphs, InvestigatorServer.ListParagraphs)},
		{MethodName: "HealthCheck", Handler: unary(MethodHealthCheck, InvestigatorServer.HealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "investigator.json",
}

// RegisterInvestigatorServer registers srv on s.
func RegisterInvestigatorServer(s grpc.ServiceRegistrar, srv InvestigatorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](fullMethod string, call func(InvestigatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InvestigatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InvestigatorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// InvestigatorClient calls the investigator service over the JSON codec.
type InvestigatorClient struct {
	cc grpc.ClientConnInterface
}

// NewInvestigatorClient wraps an established connection.
func NewInvestigatorClient(cc grpc.ClientConnInterface) *InvestigatorClient {
	return &InvestigatorClient{cc: cc}
}

func (c *InvestigatorClient) Investigate(ctx context.Context, in *InvestigateRequest, opts ...grpc.CallOption) (*InvestigateResponse, error) {
	return invoke[InvestigateResponse](ctx, c.cc, MethodInvestigate, in, opts)
}

func (c *InvestigatorClient) CancelInvestigation(ctx context.Context, in *CancelInvestigationRequest, opts ...grpc.CallOption) (*CancelInvestigationResponse, error) {
	return invoke[CancelInvestigationResponse](ctx, c.cc, MethodCancelInvestigation, in, opts)
}

func (c *InvestigatorClient) AddFinding(ctx context.Context, in *AddFindingRequest, opts ...grpc.CallOption) (*AddFindingResponse, error) {
	return invoke[AddFindingResponse](ctx, c.cc, MethodAddFinding, in, opts)
}

func (c *InvestigatorClient) GetHypotheses(ctx context.Context, in *GetHypothesesRequest, opts ...grpc.CallOption) (*GetHypothesesResponse, error) {
	return invoke[GetHypothesesResponse](ctx, c.cc, MethodGetHypotheses, in, opts)
}

func (c *InvestigatorClient) CreateNotebook(ctx context.Context, in *CreateNotebookRequest, opts ...grpc.CallOption) (*CreateNotebookResponse, error) {
	return invoke[CreateNotebookResponse](ctx, c.cc, MethodCreateNotebook, in, opts)
}

func (c *InvestigatorClient) ListParagraphs(ctx context.Context, in *ListParagraphsRequest, opts ...grpc.CallOption) (*ListParagraphsResponse, error) {
	return invoke[ListParagraphsResponse](ctx, c.cc, MethodListParagraphs, in, opts)
}

func (c *InvestigatorClient) HealthCheck(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	return invoke[HealthResponse](ctx, c.cc, MethodHealthCheck, in, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}
