// Package model defines the domain entities shared by every beer-garden
// component: Gardens, Systems, Instances, Requests, Jobs, Topics, Tokens,
// the Operation envelope used for intra- and inter-garden dispatch, and the
// Event type carried on the event bus.
//
// The package is infrastructure-agnostic. Entities carry data and enforce
// their own state-machine legality; persistence, routing, and transport
// live elsewhere.
package model
