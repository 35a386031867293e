// Package hypernote binds live relay queries and remote function calls into
// documents.
//
// A document is a tree of text nodes plus two directives. A query directive
// subscribes to a relay filter and keeps the latest matching event in the
// query store. An action directive publishes a signed request when
// triggered, follows the staged responses to that request and can republish
// the result into the feed a query directive watches.
//
// # Architecture
//
// Components, leaves first:
//
//	relay         websocket connections, reconnect ticker, first-success publish
//	subscription  one live subscription per id, background call monitor
//	query         latest record per query, slots with an unresolved sentinel
//	template      {queryId.field} substitution for text and JSON arguments
//	call          request/response correlation over publish-only relays
//	document      node tree decode, directive binding, plain text render
//	service       engine assembly and lifecycle
//
// Outer surfaces are optional: natsclient mirrors query updates to NATS and
// accepts calls from it, gateway/http exposes inspection and trigger routes,
// and cmd/hypernote is the command line front end.
//
// # Quick start
//
//	hypernote keygen
//	hypernote serve --relay wss://relay.example --doc counter.yaml
//	hypernote call addone '{"a": 1}' --relay wss://relay.example
package hypernote
