// Package echopaywall provides an Echo middleware that gates a route
// behind an x402 payment. Requests without a valid X-PAYMENT header get
// a 402 challenge; paid requests run the handler and carry the
// settlement outcome in the X-PAYMENT-RESPONSE header.
package echopaywall

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	x402vault "github.com/x402-foundation/x402-vault"
)

// PaymentService settles one payment request. Expected failures come
// back as an unsuccessful result with a nil error.
type PaymentService interface {
	Execute(ctx echo.Context, req *x402vault.PaymentRequest) (x402vault.PaymentResult, error)
}

// ServiceFunc adapts a plain function to PaymentService. The
// facilitator's executor plugs in through this with a one-line closure.
type ServiceFunc func(ctx echo.Context, req *x402vault.PaymentRequest) (x402vault.PaymentResult, error)

func (f ServiceFunc) Execute(ctx echo.Context, req *x402vault.PaymentRequest) (x402vault.PaymentResult, error) {
	return f(ctx, req)
}

// MiddlewareOptions configures the paywall.
type MiddlewareOptions struct {
	Network           string
	Asset             string
	VaultRecipient    string
	Resource          string
	MaxTimeoutSeconds int
	CustomPaywallHTML string
}

// Option mutates MiddlewareOptions.
type Option func(*MiddlewareOptions)

// WithNetwork sets the CAIP-2 network identifier for the challenge.
func WithNetwork(network string) Option {
	return func(o *MiddlewareOptions) { o.Network = network }
}

// WithAsset sets the payment token contract address.
func WithAsset(asset string) Option {
	return func(o *MiddlewareOptions) { o.Asset = asset }
}

// WithVaultRecipient routes settled revenue to a vault recipient instead
// of paying the challenge address directly.
func WithVaultRecipient(recipient string) Option {
	return func(o *MiddlewareOptions) { o.VaultRecipient = recipient }
}

// WithResource overrides the resource URL advertised in the challenge.
// By default the request URI is used.
func WithResource(resource string) Option {
	return func(o *MiddlewareOptions) { o.Resource = resource }
}

// WithMaxTimeoutSeconds sets the challenge's settlement deadline hint.
func WithMaxTimeoutSeconds(seconds int) Option {
	return func(o *MiddlewareOptions) { o.MaxTimeoutSeconds = seconds }
}

// WithCustomPaywallHTML replaces the HTML page served to browsers that
// hit the paywall without a payment header.
func WithCustomPaywallHTML(html string) Option {
	return func(o *MiddlewareOptions) { o.CustomPaywallHTML = html }
}

// PaymentMiddleware gates the wrapped handlers behind a payment of
// amount base units to payTo, settled through service.
func PaymentMiddleware(amount *big.Int, payTo string, service PaymentService, opts ...Option) echo.MiddlewareFunc {
	options := &MiddlewareOptions{
		Network:           "eip155:84532",
		MaxTimeoutSeconds: 60,
	}
	for _, opt := range opts {
		opt(options)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			challenge := buildChallenge(c, amount, payTo, options)

			header := c.Request().Header.Get("X-PAYMENT")
			signed, err := x402vault.DecodeSignedPayloadFromBase64(header)
			if err != nil {
				if acceptsHTML(c) {
					html := options.CustomPaywallHTML
					if html == "" {
						html = defaultPaywallHTML
					}
					return c.HTML(http.StatusPaymentRequired, html)
				}
				return c.JSON(http.StatusPaymentRequired, x402vault.PaymentRequired{
					X402Version: x402vault.X402Version,
					Error:       "X-PAYMENT header is required",
					Accepts:     []x402vault.PaymentChallenge{challenge},
				})
			}

			req := &x402vault.PaymentRequest{
				UserAddress:   signed.Authorization.From,
				Challenge:     challenge,
				SignedPayload: *signed,
			}

			result, err := service.Execute(c, req)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"error":       "payment settlement failed",
					"x402Version": x402vault.X402Version,
				})
			}
			if !result.Success {
				return c.JSON(http.StatusPaymentRequired, x402vault.PaymentRequired{
					X402Version: x402vault.X402Version,
					Error:       result.ErrorReason,
					Accepts:     []x402vault.PaymentChallenge{challenge},
				})
			}

			encoded, err := encodeResult(result)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"error":       "failed to encode settlement response",
					"x402Version": x402vault.X402Version,
				})
			}
			c.Response().Header().Set("X-PAYMENT-RESPONSE", encoded)

			return next(c)
		}
	}
}

func buildChallenge(c echo.Context, amount *big.Int, payTo string, options *MiddlewareOptions) x402vault.PaymentChallenge {
	resource := options.Resource
	if resource == "" {
		resource = c.Request().URL.String()
	}

	challenge := x402vault.PaymentChallenge{
		Scheme:            x402vault.SchemeExact,
		Network:           x402vault.Network(options.Network),
		Amount:            amount.String(),
		Asset:             options.Asset,
		PayTo:             payTo,
		Resource:          resource,
		MaxTimeoutSeconds: options.MaxTimeoutSeconds,
	}
	if options.VaultRecipient != "" {
		challenge.Extra = map[string]interface{}{"vaultRecipient": options.VaultRecipient}
	}
	return challenge
}

func acceptsHTML(c echo.Context) bool {
	accept := c.Request().Header.Get("Accept")
	agent := c.Request().Header.Get("User-Agent")
	return strings.Contains(accept, "text/html") && strings.Contains(agent, "Mozilla")
}

func encodeResult(result x402vault.PaymentResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

const defaultPaywallHTML = "<html><body><h1>Payment Required</h1><p>This resource requires an x402 payment.</p></body></html>"
