package lambda

import (
	"fmt"
	"strings"
)

// ProxySource is the kind of event the lambda receives run requests from.
type ProxySource string

const (
	ProxySourceApiGatewayV1 ProxySource = "API_GW_V1"
	ProxySourceApiGatewayV2 ProxySource = "API_GW_V2"
	ProxySourceAlb          ProxySource = "ALB"
)

var ErrInvalidProxySource = fmt.Errorf("invalid proxy source")

func (p ProxySource) String() string {
	return string(p)
}

// ParseProxySource accepts the proxy source names in any case.
func ParseProxySource(s string) (ProxySource, error) {
	switch source := ProxySource(strings.ToUpper(strings.TrimSpace(s))); source {
	case ProxySourceApiGatewayV1, ProxySourceApiGatewayV2, ProxySourceAlb:
		return source, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProxySource, s)
	}
}

type Config struct {
	// ProxySource is the source of the AWS Lambda event.
	ProxySource ProxySource `conf:"lambda_proxy_source"`

	// MaxBodyBytes caps run request bodies. Zero disables the limit.
	MaxBodyBytes int64 `conf:"max_body_bytes"`
}
