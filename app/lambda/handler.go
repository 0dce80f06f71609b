package lambda

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/internal/server"
)

type LambdaHandlerParams struct {
	fx.In

	Config Config

	// Handlers are the routes served for proxied events.
	Handlers []*server.HttpHandler `group:"handlers"`

	Context context.Context

	Logger *zap.Logger
}

// LambdaHandler feeds proxied AWS Lambda events through the same routes
// the standalone server exposes.
type LambdaHandler struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	handler http.Handler
	log     *zap.Logger
}

func NewLambdaHandler(params LambdaHandlerParams) *LambdaHandler {
	ctx, cancel := context.WithCancel(params.Context)

	mux := server.NewMux(params.Handlers, params.Logger)

	return &LambdaHandler{
		config:  params.Config,
		ctx:     ctx,
		cancel:  cancel,
		handler: server.LimitBody(mux, params.Config.MaxBodyBytes),
		log:     params.Logger,
	}
}

func NewLifecycleHandler(params LambdaHandlerParams, lc fx.Lifecycle) *LambdaHandler {
	handler := NewLambdaHandler(params)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return handler.Start()
		},
		OnStop: func(context.Context) error {
			handler.Shutdown()
			return nil
		},
	})
	return handler
}

// Start runs the lambda runtime client in a new goroutine. It fails if
// the proxy source is unknown.
func (s *LambdaHandler) Start() error {
	handler, err := s.proxyFunction()
	if err != nil {
		return err
	}

	s.log.Debug("using lambda event proxy", zap.Stringer("proxy_source", s.config.ProxySource))

	go lambda.StartWithOptions(handler, lambda.WithContext(s.ctx))

	return nil
}

func (s *LambdaHandler) Shutdown() {
	s.cancel()
}

func (s *LambdaHandler) proxyFunction() (any, error) {
	source, err := ParseProxySource(s.config.ProxySource.String())
	if err != nil {
		return nil, err
	}

	switch source {
	case ProxySourceApiGatewayV1:
		return httpadapter.New(s.handler).ProxyWithContext, nil
	case ProxySourceAlb:
		return httpadapter.NewALB(s.handler).ProxyWithContext, nil
	default:
		return httpadapter.NewV2(s.handler).ProxyWithContext, nil
	}
}
