// Package auth provides authentication for handoff-gateway.
//
// # Authentication Method
//
// Operators authenticate with JWT bearer tokens signed with HS256 using the
// configured jwt_secret. Token issuance belongs to the surrounding platform;
// the gateway only verifies. Generate exists for tests and the token
// subcommand.
//
// # Operator Identity
//
// A verified token yields an Operator:
//
//   - ID: stable operator identifier (the "sub" claim)
//   - Name: display name (optional "name" claim)
//   - ChatbotID: chatbot scope the token was issued for (optional)
//
// The HTTP middleware attaches the Operator to the request context; handlers
// retrieve it with FromContext or MustFromContext.
//
// # SSE Connections
//
// Browsers cannot set headers on EventSource connections, so the middleware
// also accepts the token via a "token" query parameter.
package auth
