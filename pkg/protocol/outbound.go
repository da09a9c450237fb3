// Package protocol encodes subscription requests for the aggregator endpoint
// and validates/decodes the frames it pushes back.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Action is the verb of an outbound request.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// RoutingMode tells whether the endpoint or the consumer picks the provider.
type RoutingMode string

const (
	ModeAuto     RoutingMode = "auto"
	ModeExplicit RoutingMode = "explicit"
)

// AutoProvider is the provider value sent for auto-routed requests.
const AutoProvider = "auto"

// Key is the composite identity of a subscription: one key, one outbound
// payload, one reference count.
type Key struct {
	Mode     RoutingMode
	Provider string // "auto" for auto-routed keys
	Symbol   string // asset id for auto-routed keys
}

func (k Key) String() string {
	return string(k.Mode) + "/" + k.Provider + "/" + k.Symbol
}

// Route is a closed sum type: AutoRoute or ExplicitRoute.
type Route interface {
	Key() Key
	validate() error
}

// AutoRoute lets the endpoint choose the provider for a generic asset id.
type AutoRoute struct {
	AssetID string
}

// ExplicitRoute names the provider and its native symbol.
type ExplicitRoute struct {
	Provider string
	Symbol   string
}

func (r AutoRoute) Key() Key {
	return Key{Mode: ModeAuto, Provider: AutoProvider, Symbol: strings.TrimSpace(r.AssetID)}
}

func (r AutoRoute) validate() error {
	if strings.TrimSpace(r.AssetID) == "" {
		return fmt.Errorf("auto route: asset id is required")
	}
	return nil
}

func (r ExplicitRoute) Key() Key {
	return Key{
		Mode:     ModeExplicit,
		Provider: strings.ToLower(strings.TrimSpace(r.Provider)),
		Symbol:   strings.TrimSpace(r.Symbol),
	}
}

func (r ExplicitRoute) validate() error {
	p := strings.ToLower(strings.TrimSpace(r.Provider))
	if p == "" || p == AutoProvider {
		return fmt.Errorf("explicit route: invalid provider %q", r.Provider)
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return fmt.Errorf("explicit route: symbol is required")
	}
	return nil
}

// Validate reports whether r can be encoded.
func Validate(r Route) error {
	if r == nil {
		return fmt.Errorf("nil route")
	}
	return r.validate()
}

// ParseRoute parses the config form "auto:<assetId>" or "<provider>:<symbol>".
func ParseRoute(s string) (Route, error) {
	provider, symbol, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("route %q: expected <provider>:<symbol>", s)
	}
	var r Route
	if strings.EqualFold(provider, AutoProvider) {
		r = AutoRoute{AssetID: symbol}
	} else {
		r = ExplicitRoute{Provider: provider, Symbol: symbol}
	}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Request is one outbound frame.
type Request struct {
	Action Action
	Route  Route
}

func Subscribe(r Route) Request   { return Request{Action: ActionSubscribe, Route: r} }
func Unsubscribe(r Route) Request { return Request{Action: ActionUnsubscribe, Route: r} }

// Inverse returns the unsubscribe request for a subscribe request.
func (r Request) Inverse() Request {
	if r.Action == ActionSubscribe {
		return Unsubscribe(r.Route)
	}
	return Subscribe(r.Route)
}

type autoWire struct {
	Action   Action `json:"action"`
	AssetID  string `json:"assetId"`
	Provider string `json:"provider"`
}

type explicitWire struct {
	Action   Action `json:"action"`
	Symbol   string `json:"symbol"`
	Provider string `json:"provider"`
}

// MarshalJSON emits {action, assetId, provider:"auto"} or {action, symbol, provider}.
func (r Request) MarshalJSON() ([]byte, error) {
	if r.Action != ActionSubscribe && r.Action != ActionUnsubscribe {
		return nil, fmt.Errorf("invalid action %q", r.Action)
	}
	if r.Route == nil {
		return nil, fmt.Errorf("request without route")
	}
	if err := r.Route.validate(); err != nil {
		return nil, err
	}

	key := r.Route.Key()
	switch r.Route.(type) {
	case AutoRoute:
		return json.Marshal(autoWire{Action: r.Action, AssetID: key.Symbol, Provider: AutoProvider})
	case ExplicitRoute:
		return json.Marshal(explicitWire{Action: r.Action, Symbol: key.Symbol, Provider: key.Provider})
	default:
		return nil, fmt.Errorf("unsupported route type %T", r.Route)
	}
}

// Encode serializes a request to its wire form.
func Encode(r Request) ([]byte, error) {
	return json.Marshal(r)
}
