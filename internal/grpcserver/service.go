package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gemledger.v1.LedgerService"

const (
	MethodCredit         = "Credit"
	MethodDebit          = "Debit"
	MethodReadBalance    = "ReadBalance"
	MethodGrant          = "Grant"
	MethodOwns           = "Owns"
	MethodInventory      = "Inventory"
	MethodListAudit      = "ListAudit"
	MethodPurchase       = "Purchase"
	MethodResumePurchase = "ResumePurchase"
	MethodTopUp          = "TopUp"

	serviceMetadataSource = "gemledger/v1/ledger.proto"
)

// LedgerService is the handler contract. Requests and responses are JSON-shaped structpb messages.
type LedgerService interface {
	Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Debit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ReadBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Grant(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Owns(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Inventory(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListAudit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Purchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ResumePurchase(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	TopUp(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(LedgerService, context.Context, *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc describes LedgerService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodCredit, Handler: unaryHandler(MethodCredit, LedgerService.Credit)},
		{MethodName: MethodDebit, Handler: unaryHandler(MethodDebit, LedgerService.Debit)},
		{MethodName: MethodReadBalance, Handler: unaryHandler(MethodReadBalance, LedgerService.ReadBalance)},
		{MethodName: MethodGrant, Handler: unaryHandler(MethodGrant, LedgerService.Grant)},
		{MethodName: MethodOwns, Handler: unaryHandler(MethodOwns, LedgerService.Owns)},
		{MethodName: MethodInventory, Handler: unaryHandler(MethodInventory, LedgerService.Inventory)},
		{MethodName: MethodListAudit, Handler: unaryHandler(MethodListAudit, LedgerService.ListAudit)},
		{MethodName: MethodPurchase, Handler: unaryHandler(MethodPurchase, LedgerService.Purchase)},
		{MethodName: MethodResumePurchase, Handler: unaryHandler(MethodResumePurchase, LedgerService.ResumePurchase)},
		{MethodName: MethodTopUp, Handler: unaryHandler(MethodTopUp, LedgerService.TopUp)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: serviceMetadataSource,
}

// RegisterLedgerService registers service on registrar.
func RegisterLedgerService(registrar grpc.ServiceRegistrar, service LedgerService) {
	registrar.RegisterService(&ServiceDesc, service)
}

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	fullMethod := FullMethod(method)
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := decode(request); err != nil {
			return nil, err
		}
		service := server.(LedgerService)
		if interceptor == nil {
			return call(service, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethod}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(service, ctx, request.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// FullMethod returns the wire path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Client invokes LedgerService methods over any client connection.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call sends request to method and returns the decoded response fields.
func (client *Client) Call(ctx context.Context, method string, request map[string]any, options ...grpc.CallOption) (map[string]any, error) {
	payload, err := structpb.NewStruct(request)
	if err != nil {
		return nil, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, FullMethod(method), payload, response, options...); err != nil {
		return nil, err
	}
	return response.AsMap(), nil
}
