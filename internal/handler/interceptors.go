package handler

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/pesio-ai/be-hse-approvals/internal/auth"
)

// AuthInterceptor is a gRPC unary server interceptor that reads the bearer
// token from the incoming "authorization" metadata and attaches the actor to
// the context. Calls without a token continue as anonymous. Health and
// reflection endpoints are never checked.
func AuthInterceptor(authn *auth.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !strings.HasPrefix(info.FullMethod, "/"+ApprovalServiceName+"/") {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return handler(ctx, req)
		}
		var raw string
		for _, v := range md.Get("authorization") {
			if raw = auth.BearerToken(v); raw != "" {
				break
			}
		}
		if raw == "" {
			return handler(ctx, req)
		}

		actor, err := authn.Parse(raw)
		if err != nil {
			return nil, toStatus(err)
		}
		return handler(auth.WithActor(ctx, actor), req)
	}
}
