package config

import (
	"net/url"
	"time"
)

// GatewayConfig holds settings for the upstream management gateway.
// URL is the HTTP base; the stream socket URL is derived from it by
// swapping the scheme and appending WSPath.
type GatewayConfig struct {
	URL            string        `mapstructure:"URL"             json:"url"             validate:"required,gateway_url"`
	WSPath         string        `mapstructure:"WS_PATH"         json:"ws_path"         validate:"required,startswith=/"`
	TokenPath      string        `mapstructure:"TOKEN_PATH"      json:"token_path"      validate:"required,startswith=/"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT" json:"request_timeout" validate:"required,timeout_duration"`
	MaxRetries     int           `mapstructure:"MAX_RETRIES"     json:"max_retries"     validate:"min=0,max=10"`
}

// SocketURL returns the websocket endpoint derived from the HTTP base URL.
func (g GatewayConfig) SocketURL() string {
	parsed, err := url.Parse(g.URL)
	if err != nil {
		return ""
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = g.WSPath
	parsed.RawQuery = ""
	return parsed.String()
}

// TokenURL returns the session token endpoint.
func (g GatewayConfig) TokenURL() string {
	parsed, err := url.Parse(g.URL)
	if err != nil {
		return ""
	}
	parsed.Path = g.TokenPath
	parsed.RawQuery = ""
	return parsed.String()
}
